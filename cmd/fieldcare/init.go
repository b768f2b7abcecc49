package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldcare/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local database and intake directory",
	Long: `Create the local database with the current schema and the intake
directory the daemon watches for form submissions. Safe to run again:
an existing database is migrated in place and existing data is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[init] ")

		dbPath := viper.GetString("db_path")
		if dbPath == "" {
			return fmt.Errorf("no database path configured (set db_path or --db)")
		}
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
		}

		st, err := openStore(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		intakeDir := viper.GetString("intake_dir")
		if err := os.MkdirAll(intakeDir, 0o755); err != nil {
			return fmt.Errorf("failed to create intake directory: %w", err)
		}

		counts, err := st.CollectionCounts(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database:  %s (schema v%d)\n", st.Path(), store.SchemaVersion)
		fmt.Printf("Intake:    %s\n", intakeDir)
		if counts.Patients > 0 || counts.Records > 0 || counts.Reminders > 0 {
			fmt.Printf("Existing:  %d patient(s), %d record(s), %d reminder(s) kept\n",
				counts.Patients, counts.Records, counts.Reminders)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
