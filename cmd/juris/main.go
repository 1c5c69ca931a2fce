package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Multiple --config flags supported, later files override earlier ones
	serverPort  int
	serverHost  string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:               "juris",
	Short:             "Tribunal scrape job coordinator",
	Long:              `Juris queues scrape jobs across tribunal sites, runs them with retries and streams their progress logs.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initJuris,
}

func main() {
	defer common.RecoverWithCrashFile()

	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times)")
	rootCmd.PersistentFlags().IntVarP(&serverPort, "port", "p", 0, "Server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "", "Server host (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error().Err(err).Msg("juris failed")
		} else {
			fmt.Fprintf(os.Stderr, "juris: %v\n", err)
		}
		os.Exit(1)
	}
}

// initJuris loads config (defaults -> file1 -> file2 -> ... -> env), applies CLI
// overrides and initializes the logger, in that order
func initJuris(cmd *cobra.Command, args []string) error {
	if len(configFiles) == 0 {
		if _, err := os.Stat("juris.toml"); err == nil {
			configFiles = append(configFiles, "juris.toml")
		} else if _, err := os.Stat("deployments/local/juris.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/juris.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	common.ApplyFlagOverrides(config, serverPort, serverHost)

	logger = common.InitLogger(config)
	common.InstallCrashHandler(config.Logging.Dir)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("storage_type", config.Storage.Type).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Msg("Resolved configuration")
	return nil
}
