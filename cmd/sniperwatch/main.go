package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/sniper-watch/internal/config"
	"github.com/dj-oyu/sniper-watch/internal/logger"
)

var (
	cfgFile    string
	envFile    string
	logLevel   string
	jsonOutput bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sniperwatch",
	Short: "Live sniper detection monitor",
	Long: `Connects to a detection backend, filters detections through
monitoring zones, records events and serves the live overlay.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var envFiles []string
		if envFile != "" {
			envFiles = append(envFiles, envFile)
		}
		loaded, err := config.Load(cfgFile, envFiles...)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		level, err := logger.ParseLevel(loaded.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger.Init(level, os.Stderr, loaded.LogColor)
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	rootCmd.AddCommand(monitorCmd, eventsCmd, zonesCmd, settingsCmd, detectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
