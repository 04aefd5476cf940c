package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packsmith/packctl/internal/config"
	"github.com/packsmith/packctl/internal/launcher"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalCtx *launcher.Context
)

// initializeComponents wires the launcher context from the loaded config.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx, err := launcher.NewContext(globalCfg, &execRuntime{logger: logger}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize launcher: %w", err)
	}
	globalCtx = ctx

	logger.Debug("components initialized")
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	return skipInitCmds[cmdName]
}

// closeContext closes the launcher context and its store
func closeContext() {
	if globalCtx != nil {
		if err := globalCtx.Close(); err != nil {
			logger.Error("failed to close launcher context", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packctl",
		Short: "Modpack installation and integrity tool",
		Long: `packctl turns a remote modpack descriptor into a verified, runnable local
game instance. It downloads and digest-verifies pack archives, resolves and
fetches referenced mod files, repairs corrupted instances, and refuses to
launch instances that fail integrity verification.`,
		Example: `  packctl install skyfactory-5
  packctl repair skyfactory-5
  packctl launch skyfactory-5
  packctl status skyfactory-5`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil && cmd.Name() != "config" {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Launcher.DataDir = dataDir
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return err
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeContext()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress progress output")

	cmd.AddCommand(
		newResolveCmd(),
		newInstallCmd(),
		newUpdateCmd(),
		newRepairCmd(),
		newLaunchCmd(),
		newRemoveCmd(),
		newStatusCmd(),
		newExportCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// reportError prints the curated explanation when the pipeline classified
// the failure, and returns the error for cobra's exit handling.
func reportError(err error) error {
	var classified *launcher.ClassifiedError
	if errors.As(err, &classified) && classified.Known != nil {
		fmt.Fprintln(os.Stderr, classified.UserMessage())
	}
	return err
}
