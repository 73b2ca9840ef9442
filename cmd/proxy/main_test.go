package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/shadowgate/internal/config"
	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

func TestBuildScanner_RulesExtendDefaults(t *testing.T) {
	cfg := &config.Cfg{
		ScanBudget: time.Second,
		Rules: config.Rules{
			Keywords: []string{"PROJECT BLUEBIRD"},
			Patterns: []config.PatternRule{{Kind: "CREDENTIAL", Regex: `employee-id: (\d{6})`, Group: 1}},
		},
	}

	s, err := buildScanner(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pattern", "keyword", "intent"}, s.Strategies())

	found := map[string]sanitize.Kind{}
	for _, f := range s.Scan(context.Background(), "employee-id: 123456 on project bluebird, mail bob@example.com") {
		found[f.Value] = f.Kind
	}
	assert.Equal(t, sanitize.KindCredential, found["123456"])
	assert.Equal(t, sanitize.KindConfidential, found["project bluebird"])
	assert.Equal(t, sanitize.KindEmail, found["bob@example.com"])
}

func TestBuildScanner_OptionalLayers(t *testing.T) {
	cfg := &config.Cfg{
		ScanBudget:             time.Second,
		SanitizeNER:            true,
		SanitizeNERURL:         "http://127.0.0.1:1",
		SanitizeNERTimeout:     time.Second,
		SanitizeNERConcurrency: 1,
		SanitizeLLM:            true,
		SanitizeLLMURL:         "http://127.0.0.1:1",
		SanitizeLLMModel:       "qwen3:4b",
		SanitizeLLMTimeout:     time.Second,
	}

	s, err := buildScanner(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pattern", "ner", "keyword", "intent", "llm"}, s.Strategies())

	// Both sidecars are down; the local strategies still mask.
	fs := s.Scan(context.Background(), "mail bob@example.com")
	require.Len(t, fs, 1)
	assert.Equal(t, sanitize.KindEmail, fs[0].Kind)
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	setupLogging("", "text", slog.LevelWarn)
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))

	setupLogging("debug", "json", slog.LevelWarn)
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	setupLogging("bogus", "text", slog.LevelError)
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))
}

func TestModelsCmd(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("UPSTREAM_URL", srv.URL+"/v1")
	t.Setenv("UPSTREAM_API_KEY", "sk-test")
	t.Setenv("SANITIZE_RULES", "")
	t.Chdir(t.TempDir())

	var out bytes.Buffer
	cmd := modelsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "gpt-4o\ngpt-4o-mini\n", out.String())
}

func TestScanCmd(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	t.Setenv("SANITIZE_RULES", "")
	t.Setenv("SANITIZE_NER", "")
	t.Setenv("SANITIZE_LLM", "")
	t.Chdir(t.TempDir())

	var out, errOut bytes.Buffer
	cmd := scanCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"Contact", "me", "at", "alex@example.com"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, out.String(), "EMAIL")
	assert.Contains(t, out.String(), "Contact me at [RS-MAIL-01]")
	assert.Empty(t, errOut.String())
}
