// Package commands provides the CLI commands for basin-chat.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basinhq/basin/internal/config"
	"github.com/basinhq/basin/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel   string
	prettyLogs bool
	backendURL string
	workDir    string
)

// cfg is loaded once before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "basin-chat",
	Short: "Basin chat - workspace assistant conversations from the terminal",
	Long: `basin-chat drives the Basin workspace assistant headlessly: send
prompts and stream the reply, inspect context-window usage, and compact
long conversations.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(workDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if prettyLogs {
			cfg.PrettyLogs = true
		}
		if backendURL != "" {
			cfg.BackendURL = backendURL
		}

		logging.Init(logging.Config{
			Level:  logging.ParseLevel(cfg.LogLevel),
			Pretty: cfg.PrettyLogs,
		})
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable log output")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "Workspace backend base URL")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Directory to load project config from")

	rootCmd.SetVersionTemplate(fmt.Sprintf("basin-chat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(compactCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
