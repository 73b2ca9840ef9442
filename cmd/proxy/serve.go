package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/shadowgate/internal/api"
	"github.com/gonkalabs/shadowgate/internal/upstream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(slog.LevelInfo)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			client := upstream.New(cfg.UpstreamURL, cfg.UpstreamAPIKey)
			handler := api.New(a.pipeline, a.vault, client,
				api.WithRevealLimit(cfg.RevealRPM),
				api.WithGatherer(a.registry),
				api.WithCORS(cfg.CORSOrigins, cfg.CORSVaultOrigins),
			)

			srv := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      handler.Routes(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 300 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			// Graceful shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				slog.Info("shutting down")

				shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutCancel()

				if err := srv.Shutdown(shutCtx); err != nil {
					slog.Error("shutdown error", "err", err)
				}
			}()

			slog.Info("starting proxy server",
				"addr", cfg.ListenAddr,
				"upstream", client.BaseURL(),
				"vault", cfg.VaultPath,
				"sealed", cfg.VaultKey != "",
				"policy", cfg.StoreFailurePolicy,
				"flowTTL", cfg.FlowTTL,
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
