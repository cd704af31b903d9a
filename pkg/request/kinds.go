package request

import (
	"fmt"
	"strings"
)

// ItemKind describes where a context item came from.
type ItemKind int

const (
	KindOther ItemKind = iota
	KindFile
	KindSnippet
	KindDocumentation
	KindError
	KindOutput
)

var kindNames = map[ItemKind]string{
	KindOther:         "other",
	KindFile:          "file",
	KindSnippet:       "snippet",
	KindDocumentation: "documentation",
	KindError:         "error",
	KindOutput:        "output",
}

func (k ItemKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ItemKind(%d)", int(k))
}

// ParseItemKind accepts the names produced by String. "doc" and "docs" are aliases.
func ParseItemKind(s string) (ItemKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "other":
		return KindOther, nil
	case "file":
		return KindFile, nil
	case "snippet":
		return KindSnippet, nil
	case "documentation", "doc", "docs":
		return KindDocumentation, nil
	case "error":
		return KindError, nil
	case "output":
		return KindOutput, nil
	}
	return KindOther, fmt.Errorf("unknown item kind %q", s)
}

func (k ItemKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ItemKind) UnmarshalText(text []byte) error {
	parsed, err := ParseItemKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Stability orders content by how often it changes between requests.
// The zero value means "not classified yet".
type Stability int

const (
	StabilityUnset Stability = iota
	Static
	SemiStatic
	Dynamic
	Volatile
)

func (s Stability) String() string {
	switch s {
	case StabilityUnset:
		return "unset"
	case Static:
		return "static"
	case SemiStatic:
		return "semi-static"
	case Dynamic:
		return "dynamic"
	case Volatile:
		return "volatile"
	default:
		return fmt.Sprintf("Stability(%d)", int(s))
	}
}

// ParseStability accepts the String forms plus "semistatic" and "semi_static".
func ParseStability(s string) (Stability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unset":
		return StabilityUnset, nil
	case "static":
		return Static, nil
	case "semi-static", "semistatic", "semi_static":
		return SemiStatic, nil
	case "dynamic":
		return Dynamic, nil
	case "volatile":
		return Volatile, nil
	}
	return StabilityUnset, fmt.Errorf("unknown stability %q", s)
}

func (s Stability) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stability) UnmarshalText(text []byte) error {
	parsed, err := ParseStability(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
