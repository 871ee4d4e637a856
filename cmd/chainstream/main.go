package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/0xmhha/chainstream/internal/config"
)

const programName = "chainstream"

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var globalFlags = struct {
	configFile string
	envFile    string
	debug      bool
}{}

// loadEnvFile populates the environment from a dotenv file. A missing
// default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Reorg-aware streaming indexer for EVM chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&globalFlags.configFile, "config", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.envFile, "env-file", ".env", "dotenv file loaded before CHAINSTREAM_* variables are read")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

// loadConfig resolves configuration: defaults, file, dotenv and environment,
// then command-line overrides
func loadConfig(cmd *cobra.Command, override func(*config.Config)) (*config.Config, error) {
	if err := loadEnvFile(globalFlags.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return nil, err
	}

	return config.LoadWith(globalFlags.configFile, func(cfg *config.Config) {
		if globalFlags.debug {
			cfg.Log.Level = "debug"
		}
		if override != nil {
			override(cfg)
		}
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
