package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/keybunker/keybunker/signer/config"
	"github.com/keybunker/keybunker/util"
)

const (
	// ExitSetupFailed defines exit code
	ExitSetupFailed = 1
	defaultLogLevel = "info"
)

var (
	configPath string
	logLevel   string
	logFile    string
	daemonAddr string

	rootCmd = &cobra.Command{
		Use:           "keybunker",
		Short:         "Nostr remote signer",
		Long:          "keybunker keeps Nostr keys and signs for remote apps over NIP-46",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute executes the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rootCmd.PrintErrln("Error:", err)
	}
	return err
}

func init() {
	defaultConfig := filepath.Join(config.DefaultDatadir(), "config.json")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "keybunker config file location")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets keybunker log path. If console is specified the log will be output to stdout")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "daemon-addr", "", "address of a running daemon API. Defaults to the configured listen address")

	rootCmd.AddCommand(runCmd, keyCmd, tokenCmd, connectCmd, versionCmd)
	util.SetFlagsFromEnvVars(rootCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(os.ExpandEnv(configPath))
}
