// Package main implements legivellumd, the receipt ledger and task/lease
// coordination service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PStryder/legivellum/internal/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		addr       string
		natsURL    string
	)

	rootCmd := &cobra.Command{
		Use:     "legivellumd",
		Short:   "Receipt ledger and task/lease coordination service",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, addr, natsURL)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")

	rootCmd.AddCommand(newMigrateCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context, configPath, addr, natsURL string) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer app.Shutdown(10 * time.Second)

	log.Info("legivellumd started", "addr", cfg.HTTP.Addr)
	<-ctx.Done()
	return nil
}

func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.LoadFromFile(explicitPath)
	}
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return config.NewLoader(quiet).Load()
}

func newMigrateCmd() *cobra.Command {
	var configPath, dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.Database.DSN
			}
			if dsn == "" {
				return fmt.Errorf("database.dsn is required (set --dsn, %s, or a config file)", config.EnvDSN)
			}
			return migrate(cmd.Context(), dsn)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (overrides config)")
	return cmd
}
