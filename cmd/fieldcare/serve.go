package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldcare/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference sync server",
	Long: `Run the central sync server the data layer talks to.

Endpoints:
  POST /sync         apply one mutation batch (all-or-nothing)
  GET  /sync/latest  entities changed since ?since=<RFC3339>
  GET  /sync/status  collection counts
  GET  /health       unauthenticated reachability probe

All /sync endpoints require a bearer token signed with jwt_secret. Use
--issue-token to mint one for a device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[server] ")

		secret := []byte(viper.GetString("jwt_secret"))
		if len(secret) == 0 {
			return fmt.Errorf("no jwt_secret configured")
		}

		if device, _ := cmd.Flags().GetString("issue-token"); device != "" {
			ttl, _ := cmd.Flags().GetDuration("token-ttl")
			token, err := server.IssueToken(secret, device, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		}

		storage, err := server.OpenStorage(viper.GetString("server_db_path"), logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		srv := server.NewServer(storage, server.Config{
			JWTSecret: secret,
			Logger:    logger,
		})

		addr := viper.GetString("listen_addr")
		httpSrv := &http.Server{
			Addr:        addr,
			Handler:     srv.Handler(),
			ReadTimeout: 30 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Printf("Sync server listening on %s", addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("Sync server listening on http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("issue-token", "", "mint a bearer token for the named device and exit")
	serveCmd.Flags().Duration("token-ttl", 30*24*time.Hour, "lifetime of minted tokens")
	rootCmd.AddCommand(serveCmd)
}
