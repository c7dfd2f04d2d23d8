// -----------------------------------------------------------------------
// spindle - distributed crawl runtime (master, fetcher, agent, crawl)
// -----------------------------------------------------------------------

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/spindle/internal/app"
	"github.com/ternarybob/spindle/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Multiple --config flags supported
	logLevel    string

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "spindle",
		Short:         "Distributed crawl runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil,
		"Configuration file path (can be specified multiple times, later files override earlier ones)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (overrides config)")

	root.AddCommand(
		newMasterCmd(),
		newFetcherCmd(),
		newAgentCmd(),
		newCrawlCmd(),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration and the logger for a role. Startup order:
// defaults -> file1 -> file2 -> ... -> env -> CLI flags, then logger, then banner.
func setup(role string) (*app.App, error) {
	if len(configFiles) == 0 {
		if _, err := os.Stat("spindle.toml"); err == nil {
			configFiles = append(configFiles, "spindle.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration files %v: %w", configFiles, err)
	}
	common.ApplyFlagOverrides(config, logLevel)

	logger = common.InitLogger(config)
	common.PrintBanner(role, common.GetVersion())

	logger.Debug().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Str("storage_path", config.Storage.Badger.Path).
		Msg("Resolved configuration")

	application, err := app.New(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return application, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runRole runs one long-lived role until a shutdown signal arrives
func runRole(role string, run func(*app.App, context.Context) error) error {
	application, err := setup(role)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close application")
		}
	}()

	ctx, stop := signalContext()
	defer stop()

	logger.Info().Str("role", role).Msg("Ready - Press Ctrl+C to stop")
	if err := run(application, ctx); err != nil {
		logger.Error().Err(err).Str("role", role).Msg("Role stopped with error")
		return err
	}
	logger.Info().Str("role", role).Msg("Stopped")
	return nil
}
