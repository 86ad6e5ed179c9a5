package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/config"
	"github.com/ossbucket/ossbucket/internal/httpapi"
	"github.com/ossbucket/ossbucket/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bucket over HTTP",
		Long: `Serve the configured bucket.

Files are served at /f/{id}[/{name}] and, with the hash index enabled,
at /h/{sha3-256 hex}[/{name}]. Tokens are passed as ?token= or as an
Authorization bearer and the caller is the verified token subject.
Requests without a token are anonymous. With http.trust_principal_header
set, an X-Principal header from an authenticating proxy names the caller.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the configured listen address")
	return cmd
}

// serveConfigPath is the service manager entry point.
func serveConfigPath(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return runServer(ctx, cfg)
}

// runServer serves cfg until ctx is done.
func runServer(ctx context.Context, cfg *config.Config) error {
	var m *metrics.BucketMetrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(metrics.Registry, cfg.Bucket.Name)
		metricsHandler = metrics.Handler()
	}

	svc, closeDB, err := openBucket(ctx, cfg, bucket.Options{Metrics: m})
	if err != nil {
		return err
	}
	defer closeDB()

	srv := httpapi.NewServer(svc, httpapi.Options{
		Metrics:              metricsHandler,
		TrustPrincipalHeader: cfg.HTTP.TrustPrincipalHeader,
	})
	if cfg.HTTP.TrustPrincipalHeader {
		log.Warn().Str("header", httpapi.PrincipalHeader).Msg("trusting caller identity header; serve only behind an authenticating proxy")
	}
	if err := srv.Start(cfg.Listen); err != nil {
		return err
	}
	log.Info().
		Str("bucket", svc.Name()).
		Str("listen", srv.Addr().String()).
		Str("data_dir", cfg.DataDir).
		Bool("in_memory", cfg.InMemory).
		Str("version", Version).
		Msg("bucket server started")

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	if err := srv.Stop(); err != nil {
		log.Warn().Err(err).Msg("failed to shutdown http server")
	}
	return nil
}
