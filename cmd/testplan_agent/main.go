// Package main provides the testplan_agent CLI and HTTP API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/testplan-agent/internal/config"
)

var (
	configPath string
	verbose    bool
	redisURL   string
	keyPrefix  string

	// settings is the merged configuration, filled before any command runs.
	settings config.Config
)

// defaults apply to anything left unset by the config file, the
// environment and flags.
var defaults = config.Config{
	RedisURL:     "redis://localhost:6379/0",
	KeyPrefix:    "testplan",
	DocCacheSize: 64,
	Port:         8080,
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testplan_agent",
		Short: "Generate test plans from requirement documents",
		Long: `testplan_agent splits requirement documents into sections, drafts test
procedures for each section with a pool of actor models, reviews them with a
critic model and consolidates the results into one persisted test plan.

Configuration is read from --config (JSON or YAML), then the environment
(including a .env file), then flags.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadSettings,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print detailed progress")
	cmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL for run state (defaults to REDIS_URL)")
	cmd.PersistentFlags().StringVar(&keyPrefix, "prefix", "", "Key prefix for run state")
	return cmd
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	var cfg config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}
	cfg.ApplyEnv(os.Getenv)

	flags := cmd.Flags()
	if flags.Changed("redis-url") {
		cfg.RedisURL = redisURL
	}
	if flags.Changed("prefix") {
		cfg.KeyPrefix = keyPrefix
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}

	cfg = cfg.MergeWithDefaults(defaults)
	if err := cfg.Validate(); err != nil {
		return err
	}
	settings = cfg
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
