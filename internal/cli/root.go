// Package cli defines the Cobra commands of the redpill binary.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vyrti/redpill/internal/config"
)

var (
	configPath string
	version    = "dev" // set via ldflags at build time

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "redpill",
	Short: "Terminal session manager for SSH and local shells",
	Long: `redpill keeps a catalogue of SSH and local shell sessions organised in
groups, opens them as terminal tabs, connects whole groups at once and
serves everything over an HTTP and WebSocket API.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv("REDPILL_CONFIG", configPath); err != nil {
				return err
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Version == "" || cfg.Version == "dev" {
			cfg.Version = version
		}
		setupLogger(cfg)
		return nil
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides $REDPILL_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(sftpCmd)
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty logging for development
	if cfg.IsDevelopment() && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
