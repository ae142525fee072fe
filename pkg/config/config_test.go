package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 5, cfg.Orchestrator.HistoryWindow)
	assert.Equal(t, 3, cfg.Orchestrator.StageHistoryWindow)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Orchestrator.MaxIterations = 0 }},
		{"unknown model", func(c *Config) { c.Models.Stages = "nonexistent-model" }},
		{"empty verifier", func(c *Config) { c.Models.Verifier = "" }},
		{"bad backend", func(c *Config) { c.Persistence.Backend = "redis" }},
		{"sqlite without path", func(c *Config) { c.Persistence.Path = "" }},
		{"no attempts", func(c *Config) { c.Resilience.Retry.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetModelProvider(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5": ProviderAnthropic,
		"claude-new-thing":  ProviderAnthropic,
		"gpt-4o-mini":       ProviderOpenAI,
		"gemini-2.5-flash":  ProviderGoogle,
		"qwen2.5-coder:7b":  ProviderOllama,
	}
	for model, want := range tests {
		got, err := GetModelProvider(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := GetModelProvider("mystery")
	assert.Error(t, err)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_STAGE_MODEL", "gpt-4o")
	yml := `
models:
  stages: ${TEST_STAGE_MODEL}
orchestrator:
  max_iterations: 4
resilience:
  timeout: 45s
persistence:
  backend: memory
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "appforge.yaml"), []byte(yml), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Models.Stages)
	assert.Equal(t, 4, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.Resilience.Timeout)
	assert.Equal(t, PersistenceMemory, cfg.Persistence.Backend)
	// untouched fields keep defaults
	assert.Equal(t, DefaultSupervisorModel, cfg.Models.Supervisor)

	got, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, *cfg, got)
}

func TestLoadConfigJSONAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"orchestrator": {"max_iterations": 7}}`), 0644))
	t.Setenv("APPFORGE_MAX_ITERATIONS", "2")
	t.Setenv("APPFORGE_VERIFY", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Orchestrator.MaxIterations)
	assert.False(t, cfg.Orchestrator.Verify)
}

func TestLoadConfigMissingDirFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultStageModel, cfg.Models.Stages)
	assert.Equal(t, DefaultMaxIterations, cfg.Orchestrator.MaxIterations)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	values := map[string]string{EnvAnthropicAPIKey: "sk-test"}

	require.NoError(t, EncryptSecretsFile(dir, "hunter2", values))
	assert.True(t, SecretsFileExists(dir))

	info, err := os.Stat(filepath.Join(dir, SecretsFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, values, got)

	_, err = DecryptSecretsFile(dir, "wrong")
	assert.Error(t, err)
}

func TestGetAPIKeyPrecedence(t *testing.T) {
	t.Cleanup(func() { SetSecrets(nil) })
	t.Setenv(EnvOpenAIAPIKey, "from-env")

	key, err := GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	SetSecret(EnvOpenAIAPIKey, "from-file")
	key, err = GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)
	assert.Equal(t, []string{EnvOpenAIAPIKey}, SecretNames())

	t.Setenv(EnvOllamaHost, "")
	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaHost, host)

	_, err = GetAPIKey("acme")
	assert.Error(t, err)
}

func TestDeleteSecretAndSnapshot(t *testing.T) {
	t.Cleanup(func() { SetSecrets(nil) })
	SetSecret("A", "1")
	SetSecret("B", "2")

	snap := Secrets()
	snap["A"] = "changed"
	v, err := GetSecret("A")
	require.NoError(t, err)
	assert.Equal(t, "1", v, "snapshot must not alias the in-memory map")

	assert.True(t, DeleteSecret("A"))
	assert.False(t, DeleteSecret("A"))
	assert.Equal(t, []string{"B"}, SecretNames())
}
