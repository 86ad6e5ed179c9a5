// ossbucket serves and administers a single object storage bucket.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/ossbucket/ossbucket/internal/bucket"
	"github.com/ossbucket/ossbucket/internal/config"
	"github.com/ossbucket/ossbucket/internal/kv"
	"github.com/ossbucket/ossbucket/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Identity used by the local folder and file commands.
	actAs    string
	tokenArg string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ossbucket",
		Short: "ossbucket - a single-bucket object store",
		Long: `ossbucket stores files in a folder tree backed by an embedded database
and serves them over HTTP with byte range support.

Access is granted by bucket roles and signed access tokens.

QUICK START:

  # Create a token issuer key pair:
  ossbucket keygen ~/.ossbucket/issuer

  # Serve a bucket trusting it (see trusted_key_files in the config):
  ossbucket serve --config ossbucket.yaml

  # Issue a read token for alice:
  ossbucket token sign --key ~/.ossbucket/issuer --subject alice \
      --audience photos --scope "Bucket.Read.*"`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newFolderCmd())
	rootCmd.AddCommand(newFileCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newServiceCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ossbucket %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig loads and validates --config. A log_level set in the file
// applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("no config file: use --config")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.LogLevel
		setupLogging()
	}
	return cfg, nil
}

// openBucket opens the bucket described by cfg. The returned close
// function releases the database.
func openBucket(ctx context.Context, cfg *config.Config, opts bucket.Options) (*bucket.Service, func(), error) {
	seed, err := cfg.SeedState()
	if err != nil {
		return nil, nil, err
	}
	db, err := kv.Open(ctx, kv.Options{
		Dir:        cfg.DataDir,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}

	opts.Seed = seed
	opts.DataDir = cfg.DataDir
	opts.Controllers = cfg.Bucket.Controllers
	svc, err := bucket.Open(ctx, db, opts)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return svc, closeDB, nil
}

// openLocal opens the configured bucket for a one-shot command and
// returns the caller to act as. The server must not be running on the
// same data directory.
func openLocal(cmd *cobra.Command) (*bucket.Service, bucket.Caller, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, bucket.Caller{}, nil, err
	}
	c, err := localCaller(cfg)
	if err != nil {
		return nil, bucket.Caller{}, nil, err
	}
	svc, closeFn, err := openBucket(cmd.Context(), cfg, bucket.Options{})
	if err != nil {
		return nil, bucket.Caller{}, nil, err
	}
	return svc, c, closeFn, nil
}

// localCaller is --as with the --token bytes, defaulting to the first
// configured controller.
func localCaller(cfg *config.Config) (bucket.Caller, error) {
	c := bucket.Caller{ID: actAs}
	if tokenArg != "" {
		data, err := decodeToken(tokenArg)
		if err != nil {
			return c, err
		}
		c.Token = data
	}
	if c.ID == "" {
		if len(cfg.Bucket.Controllers) == 0 {
			return c, fmt.Errorf("no --as principal and no controllers configured")
		}
		c.ID = cfg.Bucket.Controllers[0]
	}
	return c, nil
}

// decodeToken reads a token given inline or as @file, in unpadded
// base64url.
func decodeToken(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		arg = string(data)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(arg), "="))
	if err != nil {
		return nil, fmt.Errorf("token is not base64url: %w", err)
	}
	return data, nil
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&actAs, "as", "", "principal to act as (default: first controller)")
	cmd.PersistentFlags().StringVar(&tokenArg, "token", "", "access token, inline or @file")
}
