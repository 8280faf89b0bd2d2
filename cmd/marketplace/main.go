// Package main is the marketplace service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R3E-Network/marketplace/internal/app"
	"github.com/R3E-Network/marketplace/internal/config"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/middleware"
	"github.com/R3E-Network/marketplace/internal/storage/postgres"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	listenAddr string
	migrateDSN string
	tokenID    string
	tokenRole  string
	tokenTTL   time.Duration
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "marketplace",
		Short: "Ledger-backed marketplace registry",
		Long: `marketplace runs the storefront registry: administrators add store owners,
store owners open storefronts and list products, shoppers buy them through the
native-currency ledger, and store owners withdraw their earnings.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace HTTP service",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres journal schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "postgres DSN (defaults to storage.dsn)")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&tokenID, "identity", "", "Neo N3 address of the caller")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "optional role hint recorded in logs")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("identity")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "marketplace %s (%s)\n", version, commit)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.HTTP.Addr = listenAddr
	}
	log := logging.New("marketplace", cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.Dependencies{}, log)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	log.WithField("version", version).Info("starting marketplace")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("marketplace stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := migrateDSN
	if dsn == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dsn = cfg.Storage.DSN
	}
	if dsn == "" {
		return errors.New("no postgres DSN: pass --dsn or set storage.dsn")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := postgres.Apply(ctx, store.DB()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "journal schema is up to date")
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), tokenID, tokenRole, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
