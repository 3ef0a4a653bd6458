// Package cmd provides the CLI commands for Parley.
package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	// Global flags
	configPath string
	logLevel   string
	logFile    string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - a WebSocket session server for conversational agents",
	Long: `Parley serves per-connection agent sessions over WebSocket.

Each connection gets an isolated agent session that streams model output
and can pause mid-query to ask the connected user a multiple-choice
question, answered asynchronously over the same socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// A local .env can set PARLEY_* variables; absence is fine.
		godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		logCfg := logging.Config{
			Level: level,
			JSON:  cfg.Logging.JSON,
		}
		file := cfg.Logging.File
		if logFile != "" {
			file = logFile
		}
		if file != "" {
			logCfg.FileLog = &logging.FileLogConfig{
				Path:       file,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: $PARLEYRC or ~/.config/parley/parley.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"log file path (rotated; also logs to stderr)")
}
