package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jtracker-io/jt-cli/pkg/config"
	"github.com/jtracker-io/jt-cli/pkg/log"
	"github.com/jtracker-io/jt-cli/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jt",
	Short: "jt - JTracker command line client and task worker",
	Long: `jt runs JTracker workflow tasks on this node.

A worker claims one task from the job execution service (or from a local
job store), stages its input files, runs its command with retries and
reports the outcome with provenance back to the service.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	types.Version = Version

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jt version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Path to the jt config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")

	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return nil
}

// storeDir is the default location of the local job store
func storeDir() string {
	return filepath.Join(cfg.JTHome, "local")
}
