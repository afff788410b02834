package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nrgsoft/etrace/internal/settings"
	"github.com/nrgsoft/etrace/pkg/cmd/options"
	"github.com/nrgsoft/etrace/pkg/cmd/resolve"
	"github.com/nrgsoft/etrace/pkg/cmd/run"
)

const logLevelInfo = "info"

func NewCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   settings.CmdName,
		Short: settings.CmdName + " profiles the energy consumption of source code regions",
		Long: settings.CmdName + ` launches a target executable under debugger-style control and records
energy readings from CPU (RAPL, OCC) and GPU sensors over the source
regions declared in its profile configuration.`,
		DisableAutoGenTag: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", logLevelInfo,
		"Log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(run.NewCommand(opts))
	cmd.AddCommand(resolve.NewCommand(opts))

	return cmd
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(
		log.ConsoleWriter{Out: os.Stderr},
	).With().Timestamp().Logger()

	opts := options.NewOptions(
		options.WithContext(ctx),
		options.WithLogger(logger),
	)

	if err := NewCommand(opts).Execute(); err != nil {
		os.Exit(1)
	}
}
