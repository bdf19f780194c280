// Command bvasctl is the operator CLI for the bills service: schema
// migrations, approval signature checks, audit history and dev tokens.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/config"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/database"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "bvasctl",
		Short:        "bvasctl - operator tooling for the BVAS bills service",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect opens the Postgres pool described by the environment.
func connect(ctx context.Context) (*database.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("bvasctl needs DATABASE_DRIVER=postgres, got %q", cfg.Database.Driver)
	}

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}
