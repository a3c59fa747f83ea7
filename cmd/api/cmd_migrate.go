package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"coedit/api/internal/config"
	"coedit/api/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.Migrate(ctx, db, cfg.MigrationsDir)
	for _, name := range applied {
		color.New(color.FgGreen).Printf("  applied  %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		color.New(color.FgYellow).Println("schema is up to date")
		return nil
	}
	fmt.Printf("%d migration(s) applied\n", len(applied))
	return nil
}
