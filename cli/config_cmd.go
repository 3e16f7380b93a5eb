package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/udprep/cli/output"
	"github.com/jgoldverg/udprep/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	var receiverConfigPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update udprep configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&receiverConfigPath, "receiver-config", "", "Path to the receiver config file")
	cmd.AddCommand(configShowCommand(&receiverConfigPath))
	cmd.AddCommand(configSetCommand(&receiverConfigPath))
	return cmd
}

func configShowCommand(receiverConfigPath *string) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective sender or receiver configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := output.NewPrinter()
			switch strings.ToLower(strings.TrimSpace(target)) {
			case "", "sender":
				cfg, err := GetSenderConfig(cmd)
				if err != nil {
					return err
				}
				printer.Info("sender config", map[string]any{
					"config":          getSenderConfigPath(cmd),
					"mss":             cfg.MSS,
					"window_size":     cfg.WindowSize,
					"retry_after_ms":  cfg.RetryAfterMs,
					"ack_interval_ms": cfg.AckIntervalMs,
					"max_retries":     cfg.MaxRetries,
					"peer_timeout_ms": cfg.PeerTimeoutMs,
					"rate_limit_mbps": cfg.RateLimitMbps,
					"sender_id":       cfg.SenderID,
					"log_level":       cfg.LogLevel,
				})
			case "receiver":
				path := receiverPath(*receiverConfigPath)
				cfg, err := internal.LoadReceiverConfig(path)
				if err != nil {
					return err
				}
				printer.Info("receiver config", map[string]any{
					"config":           path,
					"port":             cfg.Port,
					"root_dir":         cfg.RootDir,
					"session_capacity": cfg.SessionCapacity,
					"reorder_buffer":   cfg.ReorderBuffer,
					"session_ttl":      cfg.SessionTTLSecs,
					"completed_linger": cfg.LingerSecs,
					"drop_percent":     cfg.DropPercent,
					"drop_seed":        cfg.DropSeed,
					"read_buffer_size": cfg.ReadBufferSize,
					"metrics_addr":     cfg.MetricsAddr,
					"log_level":        cfg.LogLevel,
				})
			default:
				return fmt.Errorf("--target must be either sender or receiver")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "sender", "Which config to show: sender or receiver")
	return cmd
}

type configSetOpts struct {
	target string

	mss           int
	windowSize    int
	retryAfterMs  int
	maxRetries    int
	peerTimeoutMs int
	rateLimitMbps int

	port            int
	rootDir         string
	sessionCapacity int
	reorderBuffer   int
	dropPercent     float64
	metricsAddr     string

	logLevel string
}

func configSetCommand(receiverConfigPath *string) *cobra.Command {
	var opts configSetOpts
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the sender or receiver configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(strings.TrimSpace(opts.target)) {
			case "", "sender":
				return updateSenderConfig(cmd, cmd.Flags(), &opts)
			case "receiver":
				return updateReceiverConfig(receiverPath(*receiverConfigPath), cmd.Flags(), &opts)
			default:
				return fmt.Errorf("--target must be either sender or receiver")
			}
		},
	}

	cmd.Flags().StringVar(&opts.target, "target", "sender", "Which config to update: sender or receiver")
	cmd.Flags().IntVar(&opts.mss, "mss", 0, "Sender: maximum segment size")
	cmd.Flags().IntVar(&opts.windowSize, "window", 0, "Sender: window size in packets")
	cmd.Flags().IntVar(&opts.retryAfterMs, "retry-after-ms", 0, "Sender: retransmission timeout")
	cmd.Flags().IntVar(&opts.maxRetries, "max-retries", 0, "Sender: retransmissions allowed per packet")
	cmd.Flags().IntVar(&opts.peerTimeoutMs, "peer-timeout-ms", 0, "Sender: silence before a link fails (0 disables)")
	cmd.Flags().IntVar(&opts.rateLimitMbps, "rate-limit", 0, "Sender: pacing cap in Mbps (0 disables)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Receiver: UDP listen port")
	cmd.Flags().StringVar(&opts.rootDir, "root-dir", "", "Receiver: directory destination paths are confined to")
	cmd.Flags().IntVar(&opts.sessionCapacity, "capacity", 0, "Receiver: maximum concurrent sessions")
	cmd.Flags().IntVar(&opts.reorderBuffer, "reorder-buffer", 0, "Receiver: out-of-order packets held per session")
	cmd.Flags().Float64Var(&opts.dropPercent, "drop-percent", 0, "Receiver: simulated loss in percent")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Receiver: Prometheus listen address")
	cmd.Flags().StringVar(&opts.logLevel, "set-log-level", "", "Log level stored in the config (debug, info, ...)")
	return cmd
}

func updateSenderConfig(cmd *cobra.Command, flagSet *pflag.FlagSet, opts *configSetOpts) error {
	cfg, err := GetSenderConfig(cmd)
	if err != nil {
		return err
	}
	updated := *cfg
	if flagSet.Changed("mss") {
		updated.MSS = opts.mss
	}
	if flagSet.Changed("window") {
		updated.WindowSize = opts.windowSize
	}
	if flagSet.Changed("retry-after-ms") {
		updated.RetryAfterMs = opts.retryAfterMs
	}
	if flagSet.Changed("max-retries") {
		updated.MaxRetries = opts.maxRetries
	}
	if flagSet.Changed("peer-timeout-ms") {
		updated.PeerTimeoutMs = opts.peerTimeoutMs
	}
	if flagSet.Changed("rate-limit") {
		updated.RateLimitMbps = opts.rateLimitMbps
	}
	if flagSet.Changed("set-log-level") {
		updated.LogLevel = opts.logLevel
	}
	if _, err := sessionParams(&updated); err != nil {
		return fmt.Errorf("sender config: %w", err)
	}

	path, err := updated.Save(getSenderConfigPath(cmd))
	if err != nil {
		return fmt.Errorf("saving sender config: %w", err)
	}
	*cfg = updated
	internal.Info("sender configuration updated", internal.Fields{internal.ConfigPath: path})
	return nil
}

func updateReceiverConfig(path string, flagSet *pflag.FlagSet, opts *configSetOpts) error {
	if err := ensureReceiverConfigFile(path); err != nil {
		return err
	}
	cfg, err := internal.LoadReceiverConfig(path)
	if err != nil {
		return fmt.Errorf("load receiver config: %w", err)
	}

	if flagSet.Changed("port") {
		cfg.Port = opts.port
	}
	if flagSet.Changed("root-dir") {
		cfg.RootDir = opts.rootDir
	}
	if flagSet.Changed("capacity") {
		cfg.SessionCapacity = opts.sessionCapacity
	}
	if flagSet.Changed("reorder-buffer") {
		cfg.ReorderBuffer = opts.reorderBuffer
	}
	if flagSet.Changed("drop-percent") {
		cfg.DropPercent = opts.dropPercent
	}
	if flagSet.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flagSet.Changed("set-log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}

	if _, err := cfg.Save(path); err != nil {
		return fmt.Errorf("saving receiver config: %w", err)
	}
	internal.Info("receiver configuration updated", internal.Fields{internal.ConfigPath: path})
	return nil
}

func receiverPath(p string) string {
	if strings.TrimSpace(p) != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "receiver_config.toml"
	}
	return filepath.Join(home, ".udprep", "receiver_config.toml")
}

func ensureReceiverConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat receiver config: %w", err)
	}
	// loading a missing path writes the defaults there
	if _, err := internal.LoadReceiverConfig(path); err != nil {
		return fmt.Errorf("create receiver config: %w", err)
	}
	return nil
}
