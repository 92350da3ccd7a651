package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailgate/internal/app"
	"github.com/foxzi/mailgate/internal/repository"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "SQL schema migration commands",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE:  runMigrateDown,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE:  runMigrateStatus,
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "Number of migrations to roll back (0 = all)")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

func openDatabase() (*repository.Database, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "bolt" {
		return nil, fmt.Errorf("storage driver bolt has no SQL schema")
	}

	return repository.Open(cfg.Storage.Driver, cfg.Storage.DSN, app.SetupLogger(cfg.Logging))
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Migrate()
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d migrations\n", n)
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Rollback(migrateSteps)
	if err != nil {
		return err
	}

	fmt.Printf("Rolled back %d migrations\n", n)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.MigrationStatus()
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		fmt.Println("No migrations applied")
		return nil
	}
	for _, id := range applied {
		fmt.Printf("  applied  %s\n", id)
	}
	return nil
}
