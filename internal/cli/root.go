// Package cli implements the dispenserd commands.
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"medication-dispenser/config"
	"medication-dispenser/internal/logging"
)

const appName = "dispenserd"

var (
	configPath string
	dryRunFlag bool
	logLevel   string
)

var (
	okWord   = color.New(color.FgGreen, color.Bold).Sprint("OK")
	failWord = color.New(color.FgRed, color.Bold).Sprint("FAIL")
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Medication dispenser controller",
	Long:          "Reads RFID tags, fetches the holder's schedule and drives the carousel and solenoids.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Config file (default: $CONFIG_PATH or ./config/config.yaml)")
	RootCmd.PersistentFlags().BoolVar(&dryRunFlag, "dry-run", false, "Simulate every actuation")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

// Execute runs the command tree and exits through atexit so registered cleanup
// (serial port, database) always runs.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config/config.yaml"
}

// loadConfig reads the configuration, applies command line overrides and
// installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration from %s: %w", configPath, err)
	}
	if dryRunFlag {
		cfg.Dispenser.DryRun = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(appName, cfg.Log.Level)
	return cfg, nil
}

func outcome(err error) string {
	if err != nil {
		return failWord
	}
	return okWord
}
