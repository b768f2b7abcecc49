package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldcare/internal/alerts"
	"fieldcare/internal/connectivity"
	"fieldcare/internal/dashboard"
	"fieldcare/internal/engine"
	"fieldcare/internal/intake"
	"fieldcare/internal/remote"
	"fieldcare/internal/schema"
	"fieldcare/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background data layer",
	Long: `Run the full offline-first data layer as a long-lived process:

- watches the intake directory and applies form submissions locally
- probes the sync server and tracks connectivity
- syncs automatically when connectivity returns and on a steady interval
- serves a WebSocket feed of sync activity for the UI

Every capture works with zero connectivity; the daemon only decides when
to replay the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[daemon] ")

		st, err := openStore(logger)
		if err != nil {
			return err
		}
		defer st.Close()

		client, err := newClient()
		if err != nil {
			return err
		}

		recorder := store.NewRecorder(st, logger)

		// Dashboard feed. Started first so every later event is visible.
		var mon *connectivity.Monitor
		var eng *engine.Engine

		dash := dashboard.NewServer(dashboard.Config{
			Addr:   viper.GetString("dashboard_addr"),
			Logger: logger,
			Status: func() dashboard.StatusData {
				data := dashboard.StatusData{Online: mon.IsOnline()}
				status := eng.Status()
				data.State = status.State.String()
				data.LastSync = status.LastSync
				if n, err := st.PendingCount(context.Background()); err == nil {
					data.Pending = n
				}
				return data
			},
		})

		eng = engine.New(st, client, engine.Config{
			Logger: logger,
			Online: func() bool { return mon.IsOnline() },
			Listener: func(ev engine.Event) {
				switch ev.Kind {
				case "sync_started":
					dash.Publish(dashboard.MessageTypeSyncStarted, nil)
				case "sync_complete":
					dash.Publish(dashboard.MessageTypeSyncComplete, nil)
					publishPending(st, dash)
				case "sync_failed":
					dash.Publish(dashboard.MessageTypeSyncFailed, dashboard.SyncFailedData{Error: ev.Detail})
				}
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// A rejected credential is never retried: the first 401 ends the
		// session so the operator can re-provision the token.
		fatal := make(chan error, 1)
		attempt := func() {
			err := eng.Sync(ctx)
			if err == nil {
				return
			}
			if syncFatal(err) {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			logger.Printf("Sync attempt failed: %v", err)
		}

		monCfg := connectivity.DefaultConfig()
		monCfg.Probe = client.Healthy
		monCfg.Interval = viper.GetDuration("sync_interval")
		monCfg.OfflineInterval = viper.GetDuration("offline_interval")
		monCfg.Logger = logger
		monCfg.OnOnline = func() {
			dash.Publish(dashboard.MessageTypeConnectivity, dashboard.ConnectivityData{Online: true})
			go attempt()
		}
		monCfg.OnOffline = func() {
			dash.Publish(dashboard.MessageTypeConnectivity, dashboard.ConnectivityData{Online: false})
		}
		mon = connectivity.New(monCfg)

		// The feed's status callback reads the engine and monitor, so it
		// starts only once both exist.
		if err := dash.Start(); err != nil {
			return err
		}
		defer dash.Stop()

		mon.Start()
		defer mon.Stop()

		watcher, err := intake.New(recorder, intake.Config{
			Dir:    viper.GetString("intake_dir"),
			Logger: logger,
			OnApplied: func(sub *schema.Submission) {
				publishPending(st, dash)
				publishAlerts(sub, dash)
				if mon.IsOnline() {
					go attempt()
				}
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()

		// Steady-state sync cadence while online, independent of
		// connectivity transitions.
		interval := viper.GetDuration("sync_interval")
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fmt.Printf("fieldcare daemon running (db=%s intake=%s feed=ws://%s/ws)\n",
			st.Path(), viper.GetString("intake_dir"), dash.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				return nil
			case err := <-fatal:
				return fmt.Errorf("sync credential rejected, stopping: %w", err)
			case <-ticker.C:
				publishPending(st, dash)
				attempt()
			}
		}
	},
}

// syncFatal reports whether a sync error must terminate the daemon
// rather than wait for the next trigger.
func syncFatal(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized)
}

// publishPending pushes the current queue depth onto the feed.
func publishPending(st *store.Store, dash *dashboard.Server) {
	n, err := st.PendingCount(context.Background())
	if err != nil {
		return
	}
	dash.Publish(dashboard.MessageTypePending, dashboard.PendingData{Pending: n})
}

// publishAlerts evaluates a captured record and pushes any triggered
// health alerts onto the feed.
func publishAlerts(sub *schema.Submission, dash *dashboard.Server) {
	if sub.Type != schema.TypeRecord || sub.Action == schema.ActionDelete {
		return
	}
	var rec schema.MedicalRecord
	if err := json.Unmarshal(sub.Data, &rec); err != nil {
		return
	}
	for _, a := range alerts.Evaluate(&rec) {
		dash.Publish(dashboard.MessageTypeAlert, a)
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
