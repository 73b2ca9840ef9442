package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store failure policies.
const (
	PolicyBlock           = "block"
	PolicyForwardOriginal = "forward_original"
)

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Server
	ListenAddr string // HOST:PORT, 127.0.0.1:9000 by default

	// Browser access. The webview shim posts to /process_text from whatever
	// site it runs in; the vault endpoints only serve the dashboard.
	CORSOrigins      []string // CORS_ORIGINS=* (comma separated)
	CORSVaultOrigins []string // CORS_VAULT_ORIGINS=http://localhost:5173,http://127.0.0.1:5173

	// Upstream AI endpoint (OpenAI-compatible)
	UpstreamURL    string // UPSTREAM_URL=https://api.openai.com/v1
	UpstreamAPIKey string // UPSTREAM_API_KEY, sent as a bearer token when set

	// Vault
	VaultPath string // VAULT_PATH=vault.db
	VaultKey  string // VAULT_KEY seals real values at rest when set

	// NER sidecar layer
	SanitizeNER            bool          // SANITIZE_NER=true enables the NER sidecar
	SanitizeNERURL         string        // SANITIZE_NER_URL=http://sanitize-ner:8001
	SanitizeNERTimeout     time.Duration // SANITIZE_NER_TIMEOUT=5s
	SanitizeNERConcurrency int           // SANITIZE_NER_CONCURRENCY=4

	// Local LLM layer (Ollama or any OpenAI-compatible server)
	SanitizeLLM        bool          // SANITIZE_LLM=true enables the LLM layer
	SanitizeLLMURL     string        // SANITIZE_LLM_URL=http://ollama:11434
	SanitizeLLMModel   string        // SANITIZE_LLM_MODEL=qwen3:4b
	SanitizeLLMTimeout time.Duration // SANITIZE_LLM_TIMEOUT=8s

	ScanBudget time.Duration // SANITIZE_BUDGET=10s
	RulesPath  string        // SANITIZE_RULES=rules.yaml
	Rules      Rules

	// Failure handling
	StoreFailurePolicy string // STORE_FAILURE_POLICY=block|forward_original
	StoreRetries       int    // STORE_RETRIES=3

	// Flow correlation
	FlowTTL time.Duration // FLOW_TTL=0 (teardown only)
	FlowMax int           // FLOW_MAX=10000

	RevealRPM int // REVEAL_RPM=30

	LogLevel  string // LOG_LEVEL=debug|info|warn|error, empty = command default
	LogFormat string // LOG_FORMAT=text|json
}

// Rules is the optional YAML rules file. Everything in it extends the
// built-in defaults.
type Rules struct {
	Keywords  []string      `yaml:"keywords"`
	StopWords []string      `yaml:"stop_words"`
	Fields    []string      `yaml:"fields"`
	Patterns  []PatternRule `yaml:"patterns"`
}

// PatternRule is an extra regex rule. When Group > 0 only that sub-match is
// replaced.
type PatternRule struct {
	Kind  string `yaml:"kind"`
	Regex string `yaml:"regex"`
	Group int    `yaml:"group"`
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	cfg := &Cfg{
		ListenAddr:         net.JoinHostPort(env("HOST", "127.0.0.1"), env("PORT", "9000")),
		CORSOrigins:        envList("CORS_ORIGINS", "*"),
		CORSVaultOrigins:   envList("CORS_VAULT_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173"),
		UpstreamURL:        strings.TrimRight(env("UPSTREAM_URL", "https://api.openai.com/v1"), "/"),
		UpstreamAPIKey:     env("UPSTREAM_API_KEY", ""),
		VaultPath:          env("VAULT_PATH", "vault.db"),
		VaultKey:           env("VAULT_KEY", ""),
		SanitizeNER:        envBool("SANITIZE_NER"),
		SanitizeNERURL:     strings.TrimRight(env("SANITIZE_NER_URL", "http://sanitize-ner:8001"), "/"),
		SanitizeLLM:        envBool("SANITIZE_LLM"),
		SanitizeLLMURL:     strings.TrimRight(env("SANITIZE_LLM_URL", "http://ollama:11434"), "/"),
		SanitizeLLMModel:   env("SANITIZE_LLM_MODEL", "qwen3:4b"),
		RulesPath:          env("SANITIZE_RULES", ""),
		StoreFailurePolicy: strings.ToLower(env("STORE_FAILURE_POLICY", PolicyBlock)),
		LogLevel:           strings.ToLower(env("LOG_LEVEL", "")),
		LogFormat:          strings.ToLower(env("LOG_FORMAT", "text")),
	}

	var err error
	if cfg.SanitizeNERTimeout, err = envDuration("SANITIZE_NER_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SanitizeLLMTimeout, err = envDuration("SANITIZE_LLM_TIMEOUT", 8*time.Second); err != nil {
		return nil, err
	}
	if cfg.ScanBudget, err = envDuration("SANITIZE_BUDGET", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlowTTL, err = envDuration("FLOW_TTL", 0); err != nil {
		return nil, err
	}
	if cfg.SanitizeNERConcurrency, err = envInt("SANITIZE_NER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.StoreRetries, err = envInt("STORE_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.FlowMax, err = envInt("FLOW_MAX", 10000); err != nil {
		return nil, err
	}
	if cfg.RevealRPM, err = envInt("REVEAL_RPM", 30); err != nil {
		return nil, err
	}

	if cfg.RulesPath != "" {
		rules, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		cfg.Rules = *rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRules parses the YAML rules file at path.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rules. Unknown fields are rejected so a typo does
// not silently disable a rule.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &r, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envList splits a comma separated variable, dropping empty items.
func envList(key, def string) []string {
	var out []string
	for _, item := range strings.Split(env(key, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw == "1" || strings.EqualFold(raw, "true")
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}
