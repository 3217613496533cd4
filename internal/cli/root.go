// Package cli implements the mlsync command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/app"
	"github.com/vilaca/mlsync/internal/config"
	"github.com/vilaca/mlsync/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mlsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mlsync",
		Short: "Keep ML merge requests and data pipelines in sync with GitLab",
		Long: `mlsync drives merge requests and data pipelines on GitLab and keeps a
local view of them reconciled with what GitLab reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file (default $"+config.ConfigPathEnv+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMergeRequestCommand(opts))
	cmd.AddCommand(NewPipelineCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp loads configuration, builds the application for a one-shot
// command and closes it when fn returns.
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app.App) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load configuration", err)
	}

	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.NewCLI(level)
	if err != nil {
		return WrapExitError(ExitCommandError, "create logger", err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}
	defer a.Close()

	return fn(a)
}

func serveLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logger.New(level)
}
