package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/app"
	"github.com/vilaca/mlsync/internal/config"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load configuration", err)
			}

			log, err := serveLogger(cfg, rootOpts.Verbose)
			if err != nil {
				return WrapExitError(ExitCommandError, "create logger", err)
			}

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				log.Error("startup failed", zap.Error(err))
				return WrapExitError(ExitCommandError, "start", err)
			}
			defer a.Close()

			log.Info("starting mlsync", zap.Int("port", cfg.Port))
			return a.Serve(cmd.Context())
		},
	}

	return cmd
}
