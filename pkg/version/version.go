package version

import (
	"fmt"
	"runtime"
)

// Set with -ldflags "-X github.com/kcaldas/tokenopt/pkg/version.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info holds version information
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns version information
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("tokenopt version %s\ncommit: %s\nbuilt: %s\ngo: %s\nplatform: %s",
		i.Version, i.Commit, i.Date, i.GoVersion, i.Platform)
}
