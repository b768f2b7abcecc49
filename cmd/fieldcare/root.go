package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"fieldcare/internal/remote"
	"fieldcare/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldcare",
	Short: "Offline-first health records data layer",
	Long: `fieldcare is the local data layer for community health workers in the
field: patients, visit records, and reminders are captured into an
embedded database that works with no connectivity, and a durable mutation
queue replays every change to the central server when the network returns.

Configuration is read from --config, ./fieldcare.yaml, or
$HOME/.fieldcare.yaml, with FIELDCARE_* environment variables taking
precedence over the file.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("db", "", "local database path")
	rootCmd.PersistentFlags().String("server-url", "", "sync server base URL")
	rootCmd.PersistentFlags().String("token", "", "sync bearer token")

	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".fieldcare")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FIELDCARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db_path", defaultDataPath("fieldcare.db"))
	viper.SetDefault("intake_dir", defaultDataPath("intake"))
	viper.SetDefault("dashboard_addr", "127.0.0.1:8090")
	viper.SetDefault("sync_interval", "30s")
	viper.SetDefault("offline_interval", "10s")
	viper.SetDefault("listen_addr", "127.0.0.1:8080")
	viper.SetDefault("server_db_path", defaultDataPath("fieldcare-server.db"))
	viper.SetDefault("log_file", "")

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine; everything has a default or a flag.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config %s: %v\n", cfgFile, err)
		}
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".fieldcare", name)
}

// openStore opens the local database from configuration.
func openStore(logger *log.Logger) (*store.Store, error) {
	path := viper.GetString("db_path")
	if path == "" {
		return nil, fmt.Errorf("no database path configured (set db_path or --db)")
	}
	return store.OpenWithLogger(path, store.SchemaVersion, logger)
}

// newClient builds the sync client from configuration.
func newClient() (*remote.Client, error) {
	baseURL := viper.GetString("server_url")
	if baseURL == "" {
		return nil, fmt.Errorf("no sync server configured (set server_url or --server-url)")
	}
	httpc := &http.Client{Timeout: 30 * time.Second}
	return remote.New(strings.TrimRight(baseURL, "/"), viper.GetString("token"), httpc), nil
}

// newLogger builds the process logger. With log_file set, output rotates
// on disk; otherwise it goes to stderr.
func newLogger(prefix string) *log.Logger {
	if path := viper.GetString("log_file"); path != "" {
		return log.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
