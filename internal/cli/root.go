// Package cli implements the scribe command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/scribe/internal/daemon"
	"github.com/tutu-network/scribe/internal/infra/logging"
)

var homeDir string

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Credit ledger and summary service for meeting transcripts",
	Long: `scribe stores meeting transcripts, generates AI summaries and keeps the
credit ledger that pays for both. Run 'scribe serve' to start the API;
the other commands operate on the same database directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "data directory (default $SCRIBE_HOME or ~/.scribe)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveHome() string {
	if homeDir != "" {
		return homeDir
	}
	return daemon.Home()
}

// openDaemon loads configuration, installs the logger and opens the store.
func openDaemon() (*daemon.Daemon, error) {
	home := resolveHome()
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", home, err)
	}
	cfg, err := daemon.LoadConfig(home)
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return daemon.New(cfg, home)
}
