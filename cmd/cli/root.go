package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/internal/di"
	"github.com/kcaldas/tokenopt/pkg/config"
	"github.com/kcaldas/tokenopt/pkg/logging"
)

const debugFileName = "tokenopt-debug.log"

var (
	// Global flags
	configPath string
	envFiles   []string
	verbose    bool
	quiet      bool
)

// AppProvider returns the application graph, building it on first use.
type AppProvider func(ctx context.Context) (*di.App, error)

// ConfigProvider returns the loaded configuration and the path it came from.
type ConfigProvider func() (*config.Config, string, error)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "tokenopt",
	Short: "Token-cost optimizer for coding agents",
	Long:  `tokenopt shrinks prompts, lays them out for provider-side caching and hands sessions over between providers as quotas run out.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.SetGlobalLogger(newLogger())
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/tokenopt/config.yaml)")
	RootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files to load (default .env)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug level)")
	RootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet output (errors only)")

	addCommands()
}

// newLogger follows -v/-q on stderr and also writes to the debug file when
// TOKENOPT_DEBUG_FILE is set.
func newLogger() logging.Logger {
	logger := logging.NewCLILogger(verbose, quiet)
	if logging.DebugFileRequested() {
		logger = logging.NewTeeLogger(logger, logging.NewFileLoggerFromEnv(debugFileName))
	}
	return logger
}

// addCommands adds all CLI subcommands to the root command
func addCommands() {
	cfgProvider := loadConfig
	apps := newAppCache(cfgProvider)

	RootCmd.AddCommand(NewOptimizeCommand(apps.get))
	RootCmd.AddCommand(NewCacheCommand(apps.get))
	RootCmd.AddCommand(NewBenchmarkCommand(apps.get))
	RootCmd.AddCommand(NewCheckLocalCommand(apps.get))
	RootCmd.AddCommand(NewSendCommand(apps.get))
	RootCmd.AddCommand(NewChatCommand(apps.get))
	RootCmd.AddCommand(NewConfigCommand(resolvedConfigPath, cfgProvider))
}

// resolvedConfigPath is --config or the default location.
func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path, config.NewManager())
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// appCache builds the application graph once per process.
type appCache struct {
	load ConfigProvider

	once sync.Once
	app  *di.App
	err  error
}

func newAppCache(load ConfigProvider) *appCache {
	return &appCache{load: load}
}

func (c *appCache) get(ctx context.Context) (*di.App, error) {
	c.once.Do(func() {
		cfg, path, err := c.load()
		if err != nil {
			c.err = err
			return
		}
		logging.Debug("configuration loaded", "path", path)
		c.app, c.err = di.InitializeApp(ctx, cfg)
		if c.err != nil {
			c.err = fmt.Errorf("failed to initialize tokenopt: %w", c.err)
		}
	})
	return c.app, c.err
}
