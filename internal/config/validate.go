package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
)

// Validate checks the loaded config for required fields and safe values.
func (c *Cfg) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if _, port, err := net.SplitHostPort(c.ListenAddr); err != nil || port == "" {
		return fmt.Errorf("HOST/PORT do not form a listen address: %q", c.ListenAddr)
	}
	for _, o := range append(append([]string{}, c.CORSOrigins...), c.CORSVaultOrigins...) {
		if err := validateOrigin(o); err != nil {
			return err
		}
	}
	if err := validateURL("UPSTREAM_URL", c.UpstreamURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.VaultPath) == "" {
		return errors.New("VAULT_PATH must be set")
	}

	if c.SanitizeNER {
		if err := validateURL("SANITIZE_NER_URL", c.SanitizeNERURL); err != nil {
			return err
		}
		if c.SanitizeNERTimeout <= 0 {
			return errors.New("SANITIZE_NER_TIMEOUT must be positive")
		}
		if c.SanitizeNERConcurrency < 1 {
			return errors.New("SANITIZE_NER_CONCURRENCY must be at least 1")
		}
	}
	if c.SanitizeLLM {
		if err := validateURL("SANITIZE_LLM_URL", c.SanitizeLLMURL); err != nil {
			return err
		}
		if strings.TrimSpace(c.SanitizeLLMModel) == "" {
			return errors.New("SANITIZE_LLM_MODEL must be set when SANITIZE_LLM is enabled")
		}
		if c.SanitizeLLMTimeout <= 0 {
			return errors.New("SANITIZE_LLM_TIMEOUT must be positive")
		}
	}
	if c.ScanBudget <= 0 {
		return errors.New("SANITIZE_BUDGET must be positive")
	}

	switch c.StoreFailurePolicy {
	case PolicyBlock, PolicyForwardOriginal:
	default:
		return fmt.Errorf("STORE_FAILURE_POLICY must be %q or %q, got %q",
			PolicyBlock, PolicyForwardOriginal, c.StoreFailurePolicy)
	}
	if c.StoreRetries < 0 || c.StoreRetries > 10 {
		return fmt.Errorf("STORE_RETRIES must be between 0 and 10, got %d", c.StoreRetries)
	}

	if c.FlowTTL < 0 {
		return errors.New("FLOW_TTL must not be negative")
	}
	if c.FlowTTL > 0 && c.FlowMax < 1 {
		return errors.New("FLOW_MAX must be at least 1 when FLOW_TTL is set")
	}
	if c.RevealRPM < 1 {
		return fmt.Errorf("REVEAL_RPM must be at least 1, got %d", c.RevealRPM)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug|info|warn|error", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not one of text|json", c.LogFormat)
	}

	return c.Rules.Validate()
}

// Validate checks that every extra pattern names a known kind and compiles.
func (r Rules) Validate() error {
	for i, p := range r.Patterns {
		if _, ok := sanitize.ParseKind(p.Kind); !ok {
			return fmt.Errorf("patterns[%d]: unknown kind %q", i, p.Kind)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("patterns[%d]: %w", i, err)
		}
		if p.Group < 0 || p.Group > re.NumSubexp() {
			return fmt.Errorf("patterns[%d]: group %d out of range (%d groups)", i, p.Group, re.NumSubexp())
		}
	}
	for i, f := range r.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("fields[%d]: empty path", i)
		}
	}
	return nil
}

// validateOrigin accepts "*" or a scheme://host[:port] origin without a path.
func validateOrigin(o string) error {
	if o == "*" {
		return nil
	}
	u, err := url.Parse(o)
	if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
		return fmt.Errorf("CORS origin %q must be \"*\" or scheme://host[:port]", o)
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}
