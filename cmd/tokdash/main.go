package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/tokdash/internal/config"
)

var version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tokdash",
	Short: "Track token usage across AI coding tools",
	Long: `tokdash reads the logs written by AI coding tools, keeps a local ledger
of token usage and cost, and can share totals with the tokdash leaderboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		syncCmd,
		uploadCmd,
		watchCmd,
		statsCmd,
		statusCmd,
		sourcesCmd,
		checkpointCmd,
		machineIDCmd,
		configCmd,
		prefsCmd,
		exportCmd,
		serveCmd,
		mcpCmd,
		versionCmd,
	)
}

// setupLogging installs the default slog handler. Logs go to stderr so
// --json output on stdout stays parseable.
func setupLogging() {
	level := slog.LevelInfo
	if cfg, err := config.Load(); err == nil {
		level = cfg.SlogLevel()
	}
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
