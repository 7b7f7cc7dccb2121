package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "EMBEDDINGS_MODEL", "GPT_MODEL", "TEMPERATURE", "BACKEND_PORT",
		"CHUNKER_BASE_URL", "LLM_ENDPOINT", "LLM_API_KEY", "LLM_DEPLOYMENT",
		"LLM_API_VERSION", "CONFIG_PATH",
	} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadUsesDefaultsWithNoEnv(t *testing.T) {
	clearEnv(t)
	cfg := Load(nil)
	require.Equal(t, "./data", cfg.DataDir)
	require.Equal(t, "gpt-4o-mini", cfg.GPTModel)
	require.Equal(t, 0.2, cfg.Temperature)
	require.Equal(t, "8080", cfg.BackendPort)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("DATA_DIR", "/tmp/custom")
	os.Setenv("TEMPERATURE", "0.7")
	os.Setenv("LLM_ENDPOINT", "https://my-azure.openai.azure.com")

	cfg := Load(nil)
	require.Equal(t, "/tmp/custom", cfg.DataDir)
	require.Equal(t, 0.7, cfg.Temperature)
	require.Equal(t, "https://my-azure.openai.azure.com", cfg.LLMEndpoint)
	require.True(t, cfg.LLMIsAzure)
}

func TestLoadAppliesJSONOverlayThenEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gpt_model": "gpt-4-turbo", "data_dir": "/json/dir"}`), 0o644))
	os.Setenv("CONFIG_PATH", path)
	os.Setenv("DATA_DIR", "/env/dir")

	cfg := Load(nil)
	require.Equal(t, "gpt-4-turbo", cfg.GPTModel)
	require.Equal(t, "/env/dir", cfg.DataDir)
}

func TestLoadIgnoresMissingConfigPath(t *testing.T) {
	clearEnv(t)
	os.Setenv("CONFIG_PATH", "/nonexistent/path.json")
	cfg := Load(nil)
	require.Equal(t, "./data", cfg.DataDir)
}
