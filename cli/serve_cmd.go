package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/gserver"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type ServeOpts struct {
	ConfigPath      string
	Port            int
	RootDir         string
	DropPercent     float64
	DropSeed        uint64
	SessionCapacity int
	MetricsAddr     string
}

func ServeCommand() *cobra.Command {
	var opts ServeOpts
	cmd := &cobra.Command{
		Use:          "serve",
		Aliases:      []string{"s", "receive"},
		Short:        "Run a receiver in the foreground",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadReceiverConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load receiver config: %w", err)
			}
			opts.apply(cmd.Flags(), cfg)
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
					internal.Warn("invalid receiver log level", internal.Fields{internal.FieldError: err.Error()})
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gserver.ListenAndServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Path to receiver config file (TOML)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "UDP port to listen on")
	cmd.Flags().StringVar(&opts.RootDir, "root-dir", "", "Confine destination paths beneath this directory")
	cmd.Flags().Float64Var(&opts.DropPercent, "drop-percent", 0, "Simulated loss in percent, applied to both directions")
	cmd.Flags().Uint64Var(&opts.DropSeed, "drop-seed", 0, "Seed for the loss simulator")
	cmd.Flags().IntVar(&opts.SessionCapacity, "capacity", 0, "Maximum concurrent sender sessions")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
	return cmd
}

func (o *ServeOpts) apply(flags *pflag.FlagSet, cfg *internal.ReceiverConfig) {
	if flags.Changed("port") {
		cfg.Port = o.Port
	}
	if flags.Changed("root-dir") {
		cfg.RootDir = o.RootDir
	}
	if flags.Changed("drop-percent") {
		cfg.DropPercent = o.DropPercent
	}
	if flags.Changed("drop-seed") {
		cfg.DropSeed = o.DropSeed
	}
	if flags.Changed("capacity") {
		cfg.SessionCapacity = o.SessionCapacity
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.MetricsAddr
	}
}
