package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"HOST", "PORT", "CORS_ORIGINS", "CORS_VAULT_ORIGINS", "UPSTREAM_URL", "UPSTREAM_API_KEY", "VAULT_PATH", "VAULT_KEY",
	"SANITIZE_NER", "SANITIZE_NER_URL", "SANITIZE_NER_TIMEOUT", "SANITIZE_NER_CONCURRENCY",
	"SANITIZE_LLM", "SANITIZE_LLM_URL", "SANITIZE_LLM_MODEL", "SANITIZE_LLM_TIMEOUT",
	"SANITIZE_BUDGET", "SANITIZE_RULES", "STORE_FAILURE_POLICY", "STORE_RETRIES",
	"FLOW_TTL", "FLOW_MAX", "REVEAL_RPM", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every variable Load reads and moves into an empty
// directory so a developer .env cannot leak into the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr, "loopback only unless HOST says otherwise")
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.CORSVaultOrigins)
	assert.Equal(t, "https://api.openai.com/v1", cfg.UpstreamURL)
	assert.Equal(t, "vault.db", cfg.VaultPath)
	assert.False(t, cfg.SanitizeNER)
	assert.Equal(t, "http://sanitize-ner:8001", cfg.SanitizeNERURL)
	assert.Equal(t, 5*time.Second, cfg.SanitizeNERTimeout)
	assert.Equal(t, 4, cfg.SanitizeNERConcurrency)
	assert.False(t, cfg.SanitizeLLM)
	assert.Equal(t, "http://ollama:11434", cfg.SanitizeLLMURL)
	assert.Equal(t, "qwen3:4b", cfg.SanitizeLLMModel)
	assert.Equal(t, 8*time.Second, cfg.SanitizeLLMTimeout)
	assert.Equal(t, 10*time.Second, cfg.ScanBudget)
	assert.Equal(t, PolicyBlock, cfg.StoreFailurePolicy)
	assert.Equal(t, 3, cfg.StoreRetries)
	assert.Zero(t, cfg.FlowTTL)
	assert.Equal(t, 10000, cfg.FlowMax)
	assert.Equal(t, 30, cfg.RevealRPM)
	assert.Empty(t, cfg.Rules.Patterns)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "8181")
	t.Setenv("CORS_VAULT_ORIGINS", " https://app.example.com, ,http://localhost:3000")
	t.Setenv("UPSTREAM_URL", "http://localhost:11434/v1/")
	t.Setenv("SANITIZE_NER", "TRUE")
	t.Setenv("SANITIZE_NER_TIMEOUT", "750ms")
	t.Setenv("STORE_FAILURE_POLICY", "Forward_Original")
	t.Setenv("STORE_RETRIES", "0")
	t.Setenv("FLOW_TTL", "2m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8181", cfg.ListenAddr)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.CORSVaultOrigins)
	assert.Equal(t, "http://localhost:11434/v1", cfg.UpstreamURL)
	assert.True(t, cfg.SanitizeNER)
	assert.Equal(t, 750*time.Millisecond, cfg.SanitizeNERTimeout)
	assert.Equal(t, PolicyForwardOriginal, cfg.StoreFailurePolicy)
	assert.Equal(t, 0, cfg.StoreRetries)
	assert.Equal(t, 2*time.Minute, cfg.FlowTTL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"STORE_FAILURE_POLICY": "shrug",
		"STORE_RETRIES":        "many",
		"SANITIZE_BUDGET":      "soon",
		"UPSTREAM_URL":         "ftp://example.com",
		"REVEAL_RPM":           "0",
		"LOG_FORMAT":           "xml",
		"CORS_VAULT_ORIGINS":   "localhost:5173/app",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadLLMLayer(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANITIZE_LLM", "1")
	t.Setenv("SANITIZE_LLM_URL", "http://localhost:11434/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SanitizeLLM)
	assert.Equal(t, "http://localhost:11434", cfg.SanitizeLLMURL)

	// Timeout is only checked when the layer is on.
	t.Setenv("SANITIZE_LLM_TIMEOUT", "0s")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SANITIZE_LLM", "")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Unsetenv("VAULT_PATH"))
	require.NoError(t, os.WriteFile(".env", []byte("VAULT_PATH=/tmp/from-dotenv.db\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.VaultPath)
}

func TestRulesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keywords: [PROJECT BLUEBIRD]
stop_words: [hunter2]
fields: [metadata.notes]
patterns:
  - kind: CREDENTIAL
    regex: 'employee-id: (\d{6})'
    group: 1
`), 0o600))
	t.Setenv("SANITIZE_RULES", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"PROJECT BLUEBIRD"}, cfg.Rules.Keywords)
	assert.Equal(t, []string{"hunter2"}, cfg.Rules.StopWords)
	assert.Equal(t, []string{"metadata.notes"}, cfg.Rules.Fields)
	require.Len(t, cfg.Rules.Patterns, 1)
	assert.Equal(t, PatternRule{Kind: "CREDENTIAL", Regex: `employee-id: (\d{6})`, Group: 1}, cfg.Rules.Patterns[0])
}

func TestParseRules(t *testing.T) {
	t.Run("empty document", func(t *testing.T) {
		r, err := ParseRules(nil)
		require.NoError(t, err)
		assert.Empty(t, r.Keywords)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseRules([]byte("keyword: [typo]\n"))
		assert.Error(t, err)
	})

	t.Run("validation", func(t *testing.T) {
		bad := []Rules{
			{Patterns: []PatternRule{{Kind: "NOPE", Regex: `x`}}},
			{Patterns: []PatternRule{{Kind: "EMAIL", Regex: `(`}}},
			{Patterns: []PatternRule{{Kind: "EMAIL", Regex: `(a)`, Group: 2}}},
			{Fields: []string{" "}},
		}
		for i, r := range bad {
			assert.Error(t, r.Validate(), "case %d", i)
		}
		assert.NoError(t, Rules{Patterns: []PatternRule{{Kind: "EMAIL", Regex: `(a)b`, Group: 1}}}.Validate())
	})
}
