package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/gonkalabs/shadowgate/internal/config"
	"github.com/gonkalabs/shadowgate/internal/correlate"
	"github.com/gonkalabs/shadowgate/internal/metrics"
	"github.com/gonkalabs/shadowgate/internal/pipeline"
	"github.com/gonkalabs/shadowgate/internal/sanitize"
	"github.com/gonkalabs/shadowgate/internal/sanitize/intent"
	"github.com/gonkalabs/shadowgate/internal/sanitize/keyword"
	"github.com/gonkalabs/shadowgate/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/shadowgate/internal/sanitize/ner"
	"github.com/gonkalabs/shadowgate/internal/sanitize/pattern"
	"github.com/gonkalabs/shadowgate/internal/vault"
)

func main() {
	root := &cobra.Command{
		Use:           "shadowgate",
		Short:         "Privacy proxy that masks sensitive values before they reach an AI endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), scanCmd(), rehydrateCmd(), statsCmd(), revealCmd(), modelsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the default logger. fallback is
// the level used when LOG_LEVEL is unset.
func loadConfig(fallback slog.Level) (*config.Cfg, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat, fallback)
	return cfg, nil
}

func setupLogging(level, format string, fallback slog.Level) {
	lvl := fallback
	if level != "" {
		_ = lvl.UnmarshalText([]byte(level))
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// app holds everything built from the config.
type app struct {
	cfg      *config.Cfg
	vault    *vault.SQLite
	scanner  *sanitize.Scanner
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
}

func (a *app) Close() error {
	return a.vault.Close()
}

func buildApp(cfg *config.Cfg) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	scanner, err := buildScanner(cfg, m)
	if err != nil {
		return nil, err
	}

	v, err := vault.Open(cfg.VaultPath, cfg.VaultKey)
	if err != nil {
		return nil, err
	}

	var flowOpts []correlate.Option
	if cfg.FlowTTL > 0 {
		flowOpts = append(flowOpts, correlate.WithTTL(cfg.FlowTTL, cfg.FlowMax))
	}

	retry := pipeline.DefaultRetryConfig()
	retry.MaxRetries = cfg.StoreRetries

	fields := append(append([]string{}, sanitize.DefaultFields...), cfg.Rules.Fields...)
	p := pipeline.New(scanner, v, correlate.New(flowOpts...),
		pipeline.WithFields(sanitize.NewFieldSet(fields...)),
		pipeline.WithPolicy(pipeline.FailurePolicy(cfg.StoreFailurePolicy)),
		pipeline.WithRetry(retry),
		pipeline.WithMetrics(m),
	)

	return &app{cfg: cfg, vault: v, scanner: scanner, pipeline: p, registry: reg}, nil
}

// buildScanner assembles the strategies in priority order: pattern, entity,
// keyword, intent, then the optional local LLM.
func buildScanner(cfg *config.Cfg, m *metrics.Metrics) (*sanitize.Scanner, error) {
	rules := pattern.DefaultRules()
	for _, pr := range cfg.Rules.Patterns {
		kind, _ := sanitize.ParseKind(pr.Kind)
		rule, err := pattern.NewRule(kind, pr.Regex, pr.Group)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	strategies := []sanitize.Strategy{pattern.New(rules...)}
	if cfg.SanitizeNER {
		strategies = append(strategies, ner.New(cfg.SanitizeNERURL, cfg.SanitizeNERTimeout, cfg.SanitizeNERConcurrency))
		slog.Info("sanitize: NER layer enabled", "url", cfg.SanitizeNERURL)
	}
	strategies = append(strategies,
		keyword.New(cfg.Rules.Keywords...),
		intent.New(cfg.Rules.StopWords...),
	)
	if cfg.SanitizeLLM {
		strategies = append(strategies, llmclassifier.New(cfg.SanitizeLLMURL, cfg.SanitizeLLMModel, cfg.SanitizeLLMTimeout))
		slog.Info("sanitize: LLM layer enabled", "url", cfg.SanitizeLLMURL, "model", cfg.SanitizeLLMModel)
	}

	s := sanitize.NewScanner(strategies,
		sanitize.WithBudget(cfg.ScanBudget),
		sanitize.WithObserver(m.ObserveStrategy),
	)
	slog.Info("sanitize: scanner ready", "strategies", s.Strategies(), "rules", len(rules))
	return s, nil
}
