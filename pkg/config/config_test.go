package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcaldas/tokenopt/pkg/failure"
	"github.com/kcaldas/tokenopt/pkg/optimize"
	"github.com/kcaldas/tokenopt/pkg/provider"
)

// mapManager serves configuration values from a map instead of the process
// environment.
type mapManager map[string]string

func (m mapManager) GetString(key string) (string, error) {
	if v, ok := m[key]; ok && v != "" {
		return v, nil
	}
	return "", os.ErrNotExist
}

func (m mapManager) GetStringWithDefault(key, defaultValue string) string {
	if v, err := m.GetString(key); err == nil {
		return v
	}
	return defaultValue
}

func (m mapManager) RequireString(key string) string { return m[key] }

func (m mapManager) GetInt(string) (int, error) { return 0, os.ErrNotExist }

func (m mapManager) GetIntWithDefault(_ string, defaultValue int) int { return defaultValue }

func (m mapManager) GetBoolWithDefault(_ string, defaultValue bool) bool { return defaultValue }

func (m mapManager) GetFloatWithDefault(_ string, defaultValue float64) float64 {
	return defaultValue
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), mapManager{})
	require.NoError(t, err)

	assert.Equal(t, "venice", cfg.Primary.Provider)
	assert.Equal(t, provider.DefaultAnthropicModel, cfg.Fallback.Model)
	assert.Equal(t, 2, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 4000, cfg.Optimization.TargetTokens)
	assert.Equal(t, 1024, cfg.Cache.MinCacheTokens)
	assert.True(t, cfg.Cache.AutoReorder)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
primary:
  api_key: pk
  model: custom-model
optimization:
  target_tokens: 2000
cache:
  min_cache_tokens: 2048
`)
	cfg, err := Load(path, mapManager{})
	require.NoError(t, err)

	assert.Equal(t, "pk", cfg.Primary.APIKey)
	assert.Equal(t, "custom-model", cfg.Primary.Model)
	assert.Equal(t, provider.DefaultVeniceBaseURL, cfg.Primary.BaseURL)
	assert.Equal(t, 2000, cfg.Optimization.TargetTokens)
	assert.Equal(t, 2048, cfg.Cache.MinCacheTokens)
	assert.Equal(t, 4, cfg.Cache.MaxBreakpoints)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "primary: [unclosed")
	_, err := Load(path, mapManager{})
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestLoad_MigratesLegacySections(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantPrimary  ProviderConfig
		wantFallback string
		wantKey      string
		wantModel    string
	}{
		{
			name: "venice and claude",
			content: `
venice:
  api_key: vk
  model: venice-model
claude:
  api_key: ck
`,
			wantPrimary:  ProviderConfig{Provider: "venice", APIKey: "vk", Model: "venice-model"},
			wantFallback: "anthropic",
			wantKey:      "ck",
			wantModel:    provider.DefaultAnthropicModel,
		},
		{
			name: "openai fills a keyless fallback",
			content: `
openai:
  api_key: ok
`,
			wantPrimary:  ProviderConfig{Provider: "venice", Model: provider.DefaultVeniceModel},
			wantFallback: "openai",
			wantKey:      "ok",
			wantModel:    provider.DefaultOpenAIModel,
		},
		{
			name: "openai ignored when claude has a key",
			content: `
claude:
  api_key: ck
openai:
  api_key: ok
  model: gpt-4o
`,
			wantPrimary:  ProviderConfig{Provider: "venice", Model: provider.DefaultVeniceModel},
			wantFallback: "anthropic",
			wantKey:      "ck",
			wantModel:    provider.DefaultAnthropicModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content), mapManager{})
			require.NoError(t, err)

			assert.Equal(t, tt.wantPrimary.Provider, cfg.Primary.Provider)
			assert.Equal(t, tt.wantPrimary.APIKey, cfg.Primary.APIKey)
			assert.Equal(t, tt.wantPrimary.Model, cfg.Primary.Model)
			assert.Equal(t, tt.wantFallback, cfg.Fallback.Provider)
			assert.Equal(t, tt.wantKey, cfg.Fallback.APIKey)
			assert.Equal(t, tt.wantModel, cfg.Fallback.Model)
			assert.Nil(t, cfg.Venice)
			assert.Nil(t, cfg.Claude)
			assert.Nil(t, cfg.OpenAI)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(mapManager{
		"VENICE_API_KEY":    "venice-key",
		"VENICE_MODEL":      "venice-env-model",
		"OPENAI_API_KEY":    "openai-key",
		"ANTHROPIC_API_KEY": "anthropic-key",
		"FALLBACK_MODEL":    "claude-env",
		"OLLAMA_URL":        "http://ollama:11434",
		"OLLAMA_MODEL":      "qwen",
	})

	assert.Equal(t, "venice-key", cfg.Primary.APIKey)
	assert.Equal(t, "venice-env-model", cfg.Primary.Model)
	assert.Equal(t, "anthropic-key", cfg.Fallback.APIKey)
	assert.Equal(t, "claude-env", cfg.Fallback.Model)
	assert.Equal(t, "http://ollama:11434", cfg.Local.URL)
	assert.Equal(t, "qwen", cfg.Local.Model)
}

func TestApplyEnv_KeyFollowsProviderKind(t *testing.T) {
	cfg := Default()
	cfg.Fallback.Provider = "openai"
	cfg.Fallback.APIKey = "from-file"
	cfg.ApplyEnv(mapManager{"ANTHROPIC_API_KEY": "anthropic-key"})
	assert.Equal(t, "from-file", cfg.Fallback.APIKey)

	cfg.ApplyEnv(mapManager{"OPENAI_API_KEY": "openai-key"})
	assert.Equal(t, "openai-key", cfg.Fallback.APIKey)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), failure.ErrConfigurationInvalid)

	cfg.Fallback.APIKey = "ck"
	assert.NoError(t, cfg.Validate())

	cfg.Fallback.Enabled = false
	assert.ErrorIs(t, cfg.Validate(), failure.ErrConfigurationInvalid)

	cfg.Primary.APIKey = "pk"
	assert.NoError(t, cfg.Validate())

	cfg.Primary.Provider = "mystery"
	assert.ErrorIs(t, cfg.Validate(), failure.ErrConfigurationInvalid)

	cfg.Primary.Provider = "venice"
	cfg.Optimization.Strategies = []string{"shrink_everything"}
	assert.ErrorIs(t, cfg.Validate(), failure.ErrConfigurationInvalid)
}

func TestOptimizeConfig(t *testing.T) {
	cfg := Default()
	cfg.Optimization.Strategies = []string{"deduplicate", "truncate_context"}
	cfg.Local.Enabled = false

	opt, err := cfg.OptimizeConfig()
	require.NoError(t, err)
	assert.Equal(t, []optimize.StrategyType{optimize.Deduplicate, optimize.TruncateContext}, opt.Strategies)
	assert.False(t, opt.UseLocalAgent)
	assert.Equal(t, 0.4, opt.KeywordWeight)

	cfg.Optimization.KeywordWeight = 1.5
	_, err = cfg.OptimizeConfig()
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := Default()
	cfg.Local.Enabled = false
	oc := cfg.OrchestratorConfig()
	assert.Equal(t, 2, oc.MaxRetries)
	assert.InDelta(t, 0.10, oc.MinBalance, 1e-9)
	assert.False(t, oc.LocalEnabled)
}

func TestProviderConfig_Settings(t *testing.T) {
	cfg := Default()
	s, err := cfg.Fallback.Settings("fallback")
	require.NoError(t, err)
	assert.Equal(t, provider.KindAnthropic, s.Kind)
	assert.Equal(t, "fallback", s.Name)
	assert.Equal(t, 4096, s.MaxTokens)
}

func TestSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("primary.model", "llama-3.1-405b"))
	assert.Equal(t, "llama-3.1-405b", cfg.Primary.Model)

	require.NoError(t, cfg.Set("claude.api_key", "ck"))
	assert.Equal(t, "ck", cfg.Fallback.APIKey)

	require.NoError(t, cfg.Set("cache.min_cache_tokens", "2048"))
	assert.Equal(t, 2048, cfg.Cache.MinCacheTokens)

	require.NoError(t, cfg.Set("optimization.use_local_llm", "false"))
	assert.False(t, cfg.Optimization.UseLocalLLM)

	require.NoError(t, cfg.Set("optimization.strategies", "[deduplicate, abbreviate]"))
	assert.Equal(t, []string{"deduplicate", "abbreviate"}, cfg.Optimization.Strategies)
}

func TestSet_Rejects(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"model", "x"},
		{"nowhere.model", "x"},
		{"primary.colour", "blue"},
		{"orchestrator.max_retries", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := Default()
			err := cfg.Set(tt.key, tt.value)
			assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
			assert.Equal(t, Default().Orchestrator, cfg.Orchestrator)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Primary.APIKey = "pk"
	cfg.Fallback.Provider = "gemini"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestMasked(t *testing.T) {
	cfg := Default()
	cfg.Primary.APIKey = "secret"
	masked := cfg.Masked()
	assert.Equal(t, "***", masked.Primary.APIKey)
	assert.Empty(t, masked.Fallback.APIKey)
	assert.Equal(t, "secret", cfg.Primary.APIKey)
}

func TestSection(t *testing.T) {
	cfg := Default()
	section, err := cfg.Section("venice")
	require.NoError(t, err)
	assert.Equal(t, cfg.Primary, section)

	_, err = cfg.Section("bogus")
	assert.ErrorIs(t, err, failure.ErrConfigurationInvalid)
}

func TestExample(t *testing.T) {
	data, err := Example()
	require.NoError(t, err)
	assert.Contains(t, string(data), "# tokenopt configuration")
	assert.Contains(t, string(data), "primary:")
	assert.Contains(t, string(data), "min_cache_tokens: 1024")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TOKENOPT_DOTENV_TEST=loaded\n"), 0o600))
	t.Setenv("TOKENOPT_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("TOKENOPT_DOTENV_TEST"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("TOKENOPT_DOTENV_TEST"))
}
