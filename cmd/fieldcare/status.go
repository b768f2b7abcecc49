package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local data and sync state",
	Long: `Show collection counts, the pending mutation queue depth, the last
successful sync time, and whether the sync server is currently reachable.

All of it reads from the local database; the only network activity is the
reachability probe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[status] ")
		st, err := openStore(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()

		counts, err := st.CollectionCounts(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Database:  %s\n", st.Path())
		fmt.Printf("Patients:  %d\n", counts.Patients)
		fmt.Printf("Records:   %d\n", counts.Records)
		fmt.Printf("Reminders: %d\n", counts.Reminders)
		fmt.Printf("Pending:   %d mutation(s) awaiting sync\n", counts.Pending)

		if last, ok, err := st.LastSyncTime(ctx); err != nil {
			return err
		} else if ok {
			fmt.Printf("Last sync: %s (%s ago)\n",
				last.Local().Format(time.RFC3339), time.Since(last).Round(time.Second))
		} else {
			fmt.Println("Last sync: never")
		}

		if client, err := newClient(); err == nil {
			if client.Healthy(ctx) {
				fmt.Println("Server:    reachable")
			} else {
				fmt.Println("Server:    unreachable (working offline)")
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
