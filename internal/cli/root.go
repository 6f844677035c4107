// Package cli implements the gridcalc command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/recalc"
)

// rootOptions holds the persistent flags
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCommand builds the gridcalc command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "gridcalc",
		Short: "Evaluate spreadsheet workbooks",
		Long: `gridcalc loads a workbook of cells and named ranges, evaluates every
formula in dependency order and reports values, calculation order and
dependencies.

Workbooks are YAML or TOML files:

  cells:
    A1: "10"
    B1: "=A1*2"
  names:
    Inputs: A1:A10`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "engine config file (YAML or TOML)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text, json")

	root.AddCommand(
		newEvalCommand(opts),
		newOrderCommand(opts),
		newDepsCommand(opts),
		newWatchCommand(opts),
		newServeCommand(opts),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides
func (o *rootOptions) loadConfig() (recalc.Config, error) {
	config, err := recalc.LoadConfig(o.configPath)
	if err != nil {
		return recalc.Config{}, err
	}
	if o.logLevel != "" {
		config.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		config.LogFormat = o.logFormat
	}
	if err := config.Validate(); err != nil {
		return recalc.Config{}, err
	}
	return config, nil
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		var appErr *recalc.AppError
		if errors.As(err, &appErr) && appErr.Code == recalc.InvalidArgument {
			return 2
		}
		return 1
	}
	return 0
}

// commandLogger builds the logger for a command from the config
func commandLogger(cmd *cobra.Command, config recalc.Config) *slog.Logger {
	return recalc.NewLogger(config.LogLevel, config.LogFormat, cmd.ErrOrStderr())
}
