// Package main is the entry point for the keycomplete command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/keycomplete/internal/config"
	"github.com/dshills/keycomplete/internal/logging"
	"github.com/dshills/keycomplete/internal/service"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options holds the persistent flags.
type options struct {
	configPath string
	logLevel   string
	logFile    string
	colorMode  string
	watch      bool
}

var (
	opts    options
	cfg     config.Config
	watcher *config.Watcher
)

var rootCmd = &cobra.Command{
	Use:   "keycomplete",
	Short: "Semantic completion and diagnostics for TypeScript and JavaScript",
	Long: `keycomplete drives tsserver to answer completion and diagnostics
requests for TypeScript and JavaScript buffers.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func main() {
	rootCmd.Version = version

	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(restartCheckCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().StringVar(&opts.colorMode, "color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().BoolVar(&opts.watch, "watch-config", false, "reload the log level when the configuration file changes")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and configures logging and color output.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Configure(logging.ParseLevel(cfg.Log.Level), cfg.Log.File)

	switch opts.colorMode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
	default:
		return fmt.Errorf("invalid color mode %q (must be auto, on, or off)", opts.colorMode)
	}

	if opts.watch && opts.configPath != "" {
		watcher, err = config.Watch(opts.configPath, func(c config.Config) {
			if opts.logLevel == "" {
				logging.SetLevel(logging.ParseLevel(c.Log.Level))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func teardown(*cobra.Command, []string) error {
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// newService builds the service and a context cancelled on SIGINT or
// SIGTERM. The returned function shuts both down.
func newService() (*service.Service, context.Context, func(), error) {
	svc, err := service.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cleanup := func() {
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TSServer.StartTimeout.Duration)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		}
	}
	return svc, ctx, cleanup, nil
}
