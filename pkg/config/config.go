// Package config loads the tokenopt configuration file, applies
// environment overrides and converts the result into the settings each
// component takes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/kcaldas/tokenopt/pkg/agent"
	"github.com/kcaldas/tokenopt/pkg/cache"
	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/orchestrator"
	"github.com/kcaldas/tokenopt/pkg/provider"
)

// ProviderConfig describes the primary or fallback provider.
type ProviderConfig struct {
	Provider    string           `yaml:"provider"`
	APIKey      string           `yaml:"api_key,omitempty"`
	BaseURL     string           `yaml:"base_url,omitempty"`
	Model       string           `yaml:"model"`
	MaxTokens   int              `yaml:"max_tokens"`
	Temperature *float64         `yaml:"temperature,omitempty"`
	Enabled     bool             `yaml:"enabled"`
	Pricing     provider.Pricing `yaml:"pricing,omitempty"`
}

// Configured reports whether the provider can be built.
func (p ProviderConfig) Configured() bool {
	return p.Enabled && strings.TrimSpace(p.Provider) != "" && strings.TrimSpace(p.APIKey) != ""
}

// Settings converts p into provider settings registered under name.
func (p ProviderConfig) Settings(name string) (provider.Settings, error) {
	kind, err := provider.ParseKind(p.Provider)
	if err != nil {
		return provider.Settings{}, fmt.Errorf("%s: %w", name, err)
	}
	return provider.Settings{
		Name:        name,
		Kind:        kind,
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Pricing:     p.Pricing,
	}, nil
}

func (p ProviderConfig) kind() provider.Kind {
	kind, _ := provider.ParseKind(p.Provider)
	return kind
}

type LocalConfig struct {
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	Enabled bool   `yaml:"enabled"`
}

type OrchestratorConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// MinBalance applies to every currency the primary reports.
	MinBalance float64 `yaml:"min_balance"`
}

type OptimizationConfig struct {
	TargetTokens       int      `yaml:"target_tokens"`
	Strategies         []string `yaml:"strategies"`
	PreserveCodeBlocks bool     `yaml:"preserve_code_blocks"`
	UseLocalLLM        bool     `yaml:"use_local_llm"`
	KeywordWeight      float64  `yaml:"keyword_weight"`
	Model              string   `yaml:"model"`
	StopAtTarget       bool     `yaml:"stop_at_target"`
	MinRelevance       float64  `yaml:"min_relevance"`
}

type CacheConfig struct {
	cache.Config `yaml:",inline"`

	TrackCache      bool `yaml:"track_cache"`
	TrackerCapacity int  `yaml:"tracker_capacity"`
}

// LegacyProvider is the shape of the per-vendor sections older files used.
type LegacyProvider struct {
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	Primary      ProviderConfig     `yaml:"primary"`
	Fallback     ProviderConfig     `yaml:"fallback"`
	Local        LocalConfig        `yaml:"local"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Optimization OptimizationConfig `yaml:"optimization"`
	Cache        CacheConfig        `yaml:"cache"`

	Venice *LegacyProvider `yaml:"venice,omitempty"`
	Claude *LegacyProvider `yaml:"claude,omitempty"`
	OpenAI *LegacyProvider `yaml:"openai,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	opt := optimize.DefaultConfig()
	strategies := make([]string, len(opt.Strategies))
	for i, s := range opt.Strategies {
		strategies[i] = string(s)
	}
	temperature := 0.7

	return &Config{
		Primary: ProviderConfig{
			Provider:    string(provider.KindVenice),
			BaseURL:     provider.DefaultVeniceBaseURL,
			Model:       provider.DefaultVeniceModel,
			MaxTokens:   4096,
			Temperature: &temperature,
			Enabled:     true,
		},
		Fallback: ProviderConfig{
			Provider:  "claude",
			Model:     provider.DefaultAnthropicModel,
			MaxTokens: 4096,
			Enabled:   true,
		},
		Local: LocalConfig{
			URL:     agent.DefaultBaseURL,
			Model:   agent.DefaultModel,
			Enabled: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries: 2,
			MinBalance: orchestrator.DefaultMinBalance,
		},
		Optimization: OptimizationConfig{
			TargetTokens:       opt.TargetTokens,
			Strategies:         strategies,
			PreserveCodeBlocks: opt.PreserveCodeBlocks,
			UseLocalLLM:        opt.UseLocalAgent,
			KeywordWeight:      opt.KeywordWeight,
			Model:              opt.Model,
		},
		Cache: CacheConfig{
			Config:          cache.DefaultConfig(),
			TrackCache:      true,
			TrackerCapacity: cache.DefaultTrackerCapacity,
		},
	}
}

// DefaultPath is ~/.config/tokenopt/config.yaml.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tokenopt", "config.yaml"), nil
}

// Load reads path over the defaults, migrates legacy sections and applies
// environment overrides from env. A missing file is not an error.
func Load(path string, env Manager) (*Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if env != nil {
		cfg.ApplyEnv(env)
	}
	return cfg, nil
}

// ReadFile is Load without environment overrides.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", failure.ErrConfigurationInvalid, path, err)
	}
	cfg.migrateLegacy()
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// migrateLegacy folds the venice, claude and openai sections into primary
// and fallback. The openai section is only used while the fallback has no
// key of its own.
func (c *Config) migrateLegacy() {
	if c.Venice != nil {
		c.Primary.Provider = string(provider.KindVenice)
		c.Venice.mergeInto(&c.Primary)
	}
	if c.Claude != nil {
		c.Fallback.Provider = string(provider.KindAnthropic)
		c.Claude.mergeInto(&c.Fallback)
	}
	if c.OpenAI != nil && c.Fallback.APIKey == "" && c.OpenAI.APIKey != "" {
		c.Fallback.Provider = string(provider.KindOpenAI)
		if c.OpenAI.Model == "" {
			c.Fallback.Model = provider.DefaultOpenAIModel
		}
		c.OpenAI.mergeInto(&c.Fallback)
	}
	c.Venice, c.Claude, c.OpenAI = nil, nil, nil
}

func (l *LegacyProvider) mergeInto(p *ProviderConfig) {
	if l.APIKey != "" {
		p.APIKey = l.APIKey
	}
	if l.BaseURL != "" {
		p.BaseURL = l.BaseURL
	}
	if l.Model != "" {
		p.Model = l.Model
	}
	if l.MaxTokens > 0 {
		p.MaxTokens = l.MaxTokens
	}
}

// ApplyEnv overrides keys, URLs and models from the environment. API keys
// only apply to the role whose provider they belong to.
func (c *Config) ApplyEnv(env Manager) {
	for _, p := range []*ProviderConfig{&c.Primary, &c.Fallback} {
		if name := keyVariable(p.kind()); name != "" {
			p.APIKey = env.GetStringWithDefault(name, p.APIKey)
		}
	}
	if c.Primary.kind() == provider.KindVenice {
		c.Primary.BaseURL = env.GetStringWithDefault("VENICE_BASE_URL", c.Primary.BaseURL)
		c.Primary.Model = env.GetStringWithDefault("VENICE_MODEL", c.Primary.Model)
	}
	c.Fallback.BaseURL = env.GetStringWithDefault("FALLBACK_BASE_URL", c.Fallback.BaseURL)
	c.Fallback.Model = env.GetStringWithDefault("FALLBACK_MODEL", c.Fallback.Model)
	c.Local.URL = env.GetStringWithDefault("OLLAMA_URL", c.Local.URL)
	c.Local.Model = env.GetStringWithDefault("OLLAMA_MODEL", c.Local.Model)
}

// KeyVariables lists the environment variables that carry API keys.
var KeyVariables = []string{"VENICE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"}

func keyVariable(kind provider.Kind) string {
	switch kind {
	case provider.KindVenice:
		return "VENICE_API_KEY"
	case provider.KindAnthropic:
		return "ANTHROPIC_API_KEY"
	case provider.KindOpenAI:
		return "OPENAI_API_KEY"
	case provider.KindGemini:
		return "GEMINI_API_KEY"
	}
	return ""
}

// Validate requires at least one remote provider and sane component
// settings.
func (c *Config) Validate() error {
	if !c.Primary.Configured() && !c.Fallback.Configured() {
		return fmt.Errorf("%w: at least one provider must be configured (VENICE_API_KEY or ANTHROPIC_API_KEY/OPENAI_API_KEY)",
			failure.ErrConfigurationInvalid)
	}
	for name, p := range map[string]ProviderConfig{"primary": c.Primary, "fallback": c.Fallback} {
		if !p.Enabled {
			continue
		}
		if _, err := p.Settings(name); err != nil {
			return err
		}
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("%w: orchestrator.max_retries must not be negative", failure.ErrConfigurationInvalid)
	}
	if _, err := c.OptimizeConfig(); err != nil {
		return err
	}
	return c.Cache.Validate()
}

// OptimizeConfig converts the optimization section.
func (c *Config) OptimizeConfig() (optimize.Config, error) {
	strategies, err := optimize.ParseStrategies(c.Optimization.Strategies)
	if err != nil {
		return optimize.Config{}, err
	}
	o := c.Optimization
	if o.KeywordWeight < 0 || o.KeywordWeight > 1 {
		return optimize.Config{}, fmt.Errorf("%w: optimization.keyword_weight must be within [0, 1]", failure.ErrConfigurationInvalid)
	}
	return optimize.Config{
		TargetTokens:       o.TargetTokens,
		Strategies:         strategies,
		UseLocalAgent:      o.UseLocalLLM && c.Local.Enabled,
		PreserveCodeBlocks: o.PreserveCodeBlocks,
		KeywordWeight:      o.KeywordWeight,
		Model:              o.Model,
		StopAtTarget:       o.StopAtTarget,
		MinRelevance:       o.MinRelevance,
	}, nil
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxRetries:   c.Orchestrator.MaxRetries,
		MinBalance:   c.Orchestrator.MinBalance,
		LocalEnabled: c.Local.Enabled,
	}
}

// Masked returns a copy with API keys hidden, for display.
func (c *Config) Masked() *Config {
	masked := *c
	for _, p := range []*ProviderConfig{&masked.Primary, &masked.Fallback} {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
	}
	return &masked
}

// Sections lists the top-level section names.
var Sections = []string{"primary", "fallback", "local", "orchestrator", "optimization", "cache"}

// sectionName resolves legacy aliases to current section names.
func sectionName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "venice":
		return "primary"
	case "claude":
		return "fallback"
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// Section returns one section by name, accepting legacy aliases.
func (c *Config) Section(name string) (any, error) {
	switch sectionName(name) {
	case "primary":
		return c.Primary, nil
	case "fallback":
		return c.Fallback, nil
	case "local":
		return c.Local, nil
	case "orchestrator":
		return c.Orchestrator, nil
	case "optimization":
		return c.Optimization, nil
	case "cache":
		return c.Cache, nil
	}
	return nil, fmt.Errorf("%w: unknown section %q (available: %s)",
		failure.ErrConfigurationInvalid, name, strings.Join(Sections, ", "))
}

// Set assigns value to a "section.field" key. The value is parsed as YAML,
// so "[a, b]" sets a list. Unknown keys and values of the wrong type are
// rejected and leave c unchanged.
func (c *Config) Set(key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" || strings.Contains(field, ".") {
		return fmt.Errorf("%w: invalid key %q, use section.field (e.g. primary.model)", failure.ErrConfigurationInvalid, key)
	}
	if _, err := c.Section(section); err != nil {
		return err
	}
	section = sectionName(section)

	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	target := mappingValue(&root, section)
	if target == nil {
		return fmt.Errorf("%w: unknown section %q", failure.ErrConfigurationInvalid, section)
	}
	parsed := parseValue(value)
	if node := mappingValue(target, field); node != nil {
		*node = *parsed
	} else {
		target.Content = append(target.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: field}, parsed)
	}

	data, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	updated := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(updated); err != nil {
		return fmt.Errorf("%w: set %s: %v", failure.ErrConfigurationInvalid, key, err)
	}
	*c = *updated
	return nil
}

func parseValue(value string) *yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(value), &doc); err == nil && len(doc.Content) == 1 {
		return doc.Content[0]
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

const exampleHeader = `# tokenopt configuration
#
# API keys can also come from the environment:
#   VENICE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY
# and the local agent from OLLAMA_URL / OLLAMA_MODEL.
#
# primary.provider and fallback.provider accept venice, openai,
# anthropic (or claude) and gemini.

`

// Example renders the default configuration with a short header.
func Example() ([]byte, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return append([]byte(exampleHeader), data...), nil
}
