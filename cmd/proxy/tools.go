package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/shadowgate/internal/sanitize"
	"github.com/gonkalabs/shadowgate/internal/upstream"
)

// inputText joins args, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

func scanCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "scan [text...]",
		Short: "Show what would be masked in text (nothing is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(slog.LevelWarn)
			if err != nil {
				return err
			}
			scanner, err := buildScanner(cfg, nil)
			if err != nil {
				return err
			}
			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}

			report := scanner.Report(cmd.Context(), text)
			tm := sanitize.NewTokenMap()
			masked := sanitize.Sanitize(text, report.Findings, tm)
			if sanitize.Restore(masked, tm.Reverse()) != text {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: masked text does not restore to the input; check custom rules")
			}
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"text": masked, "findings": report.Findings})
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tMETHOD\tSPAN\tVALUE")
			for _, f := range report.Findings {
				fmt.Fprintf(tw, "%s\t%s\t%d-%d\t%s\n", f.Kind, f.Method, f.Start, f.End, f.Value)
			}
			tw.Flush()
			for _, r := range report.Results {
				if r.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "strategy %s: %v\n", r.Name, r.Err)
				}
			}
			fmt.Fprintf(out, "\n%s\n", masked)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func rehydrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rehydrate [text...]",
		Short: "Replace placeholders in text with their real values from the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			text, err := inputText(cmd, args)
			if err != nil {
				return err
			}
			res, err := a.pipeline.Rehydrate(cmd.Context(), text)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Text)
			if res.Orphans > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d unknown placeholder(s) left as is\n", res.Orphans)
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print vault statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.vault.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func revealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal [id]",
		Short: "Print the real value of one mapping (audited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid mapping id %q", args[0])
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			val, err := a.pipeline.Reveal(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the upstream serves (checks UPSTREAM_URL and UPSTREAM_API_KEY)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(slog.LevelWarn)
			if err != nil {
				return err
			}
			models, err := upstream.New(cfg.UpstreamURL, cfg.UpstreamAPIKey).FetchModels(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, raw := range models {
				var m struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
					fmt.Fprintln(out, string(raw))
					continue
				}
				fmt.Fprintln(out, m.ID)
			}
			return nil
		},
	}
}

func openApp() (*app, error) {
	cfg, err := loadConfig(slog.LevelWarn)
	if err != nil {
		return nil, err
	}
	return buildApp(cfg)
}
