package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fusion_gateway/internal/config"
	"fusion_gateway/internal/utils"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Fusion AI gateway: credential vault, dispatch and credit billing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional config file (yaml, json, toml or env)")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newGenKeyCommand(),
		newTokenCommand(),
		newRatesCommand(),
		newSettingsCommand(),
		newCreditCommand(),
		newArchiveCommand(),
		newRateLimitCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and initialises process-wide logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	utils.InitLogging(utils.LogOptions{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, nil
}
