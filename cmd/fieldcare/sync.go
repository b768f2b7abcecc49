package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldcare/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync attempt now",
	Long: `Run a single sync attempt against the configured server.

With pending local mutations, the whole queue is pushed in one batch;
with an empty queue, remote changes since the last sync are pulled and
merged. A network failure leaves everything untouched for the next
attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[sync] ")
		st, err := openStore(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		client, err := newClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()

		before, err := st.PendingCount(ctx)
		if err != nil {
			return err
		}

		eng := engine.New(st, client, engine.Config{Logger: logger})
		if err := eng.Sync(ctx); err != nil {
			return err
		}

		status := eng.Status()
		if status.State == engine.StateFailed {
			fmt.Printf("Sync failed: %s (queue untouched, %d pending)\n", status.LastError, before)
			return nil
		}

		after, err := st.PendingCount(ctx)
		if err != nil {
			return err
		}
		if before > 0 {
			fmt.Printf("Pushed %d mutation(s); %d pending\n", before-after, after)
		} else {
			fmt.Println("Queue empty; pulled latest remote changes")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
