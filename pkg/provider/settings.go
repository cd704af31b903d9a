package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/failure"
)

// Kind names a provider backend.
type Kind string

const (
	KindVenice    Kind = "venice"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindLocal     Kind = "local"
)

// ParseKind accepts the backend names used in configuration files,
// including the legacy "claude" alias.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "venice":
		return KindVenice, nil
	case "openai":
		return KindOpenAI, nil
	case "anthropic", "claude":
		return KindAnthropic, nil
	case "gemini", "genai":
		return KindGemini, nil
	case "local", "ollama":
		return KindLocal, nil
	}
	return "", fmt.Errorf("%w: unknown provider kind %q", failure.ErrConfigurationInvalid, s)
}

// Settings describes one remote provider.
type Settings struct {
	Name        string
	Kind        Kind
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float64
	Pricing     Pricing
}

func (s Settings) nameOr(def string) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return name
	}
	return def
}

func (s Settings) withDefaults(model string) Settings {
	if strings.TrimSpace(s.Model) == "" {
		s.Model = model
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = defaultMaxTokens
	}
	return s
}

// Factory creates a provider on first use.
type Factory func() (Provider, error)

// NewFactory returns a Factory building the backend named by s.Kind. Local
// providers are not built from settings; pass them to the Chain directly.
func NewFactory(ctx context.Context, s Settings) Factory {
	return func() (Provider, error) {
		switch s.Kind {
		case KindVenice:
			return NewVenice(s)
		case KindOpenAI:
			return NewOpenAI(s)
		case KindAnthropic:
			return NewAnthropic(s)
		case KindGemini:
			return NewGemini(ctx, s)
		default:
			return nil, fmt.Errorf("%w: provider kind %q cannot be built from settings", failure.ErrConfigurationInvalid, s.Kind)
		}
	}
}
