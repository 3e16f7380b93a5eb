package cli

import (
	"fmt"
	"strconv"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/udpclient"
	"github.com/jgoldverg/udprep/pkg/udpwire"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// SessionFlags are per-invocation overrides of the sender config. Only flags
// the user actually set replace the configured value.
type SessionFlags struct {
	MSS           int
	WindowSize    int
	RetryAfterMs  int
	AckIntervalMs int
	MaxRetries    int
	PeerTimeoutMs int
	RateLimitMbps int
	NoProgress    bool
}

func bindSessionFlags(cmd *cobra.Command, opts *SessionFlags) {
	cmd.Flags().IntVar(&opts.MSS, "mss", 0, "Maximum segment size in bytes, header included (max 1400)")
	cmd.Flags().IntVar(&opts.WindowSize, "window", 0, "Go-Back-N window size in packets")
	cmd.Flags().IntVar(&opts.RetryAfterMs, "retry-after-ms", 0, "Retransmission timeout in milliseconds")
	cmd.Flags().IntVar(&opts.AckIntervalMs, "ack-interval-ms", 0, "How long each ACK read waits in milliseconds")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "Retransmissions allowed per packet before the link fails")
	cmd.Flags().IntVar(&opts.PeerTimeoutMs, "peer-timeout-ms", 0, "Fail the link after this long without an ACK (0 disables)")
	cmd.Flags().IntVar(&opts.RateLimitMbps, "rate-limit", 0, "Pacing cap per link in Mbps (0 disables)")
	cmd.Flags().BoolVar(&opts.NoProgress, "no-progress", false, "Disable progress rendering")
}

func (o *SessionFlags) apply(flags *pflag.FlagSet, cfg internal.SenderConfig) internal.SenderConfig {
	if flags.Changed("mss") {
		cfg.MSS = o.MSS
	}
	if flags.Changed("window") {
		cfg.WindowSize = o.WindowSize
	}
	if flags.Changed("retry-after-ms") {
		cfg.RetryAfterMs = o.RetryAfterMs
	}
	if flags.Changed("ack-interval-ms") {
		cfg.AckIntervalMs = o.AckIntervalMs
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = o.MaxRetries
	}
	if flags.Changed("peer-timeout-ms") {
		cfg.PeerTimeoutMs = o.PeerTimeoutMs
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimitMbps = o.RateLimitMbps
	}
	return cfg
}

// sessionParams turns a sender config into the template every link starts from.
func sessionParams(cfg *internal.SenderConfig) (udpclient.SessionParams, error) {
	if err := cfg.Validate(); err != nil {
		return udpclient.SessionParams{}, err
	}
	chunk, err := udpwire.ChunkSizeForMSS(cfg.MSS)
	if err != nil {
		return udpclient.SessionParams{}, err
	}
	return udpclient.SessionParams{
		SenderID:      cfg.SenderUUID(),
		ChunkSize:     chunk,
		WindowSize:    cfg.WindowSize,
		RetryAfter:    cfg.RetryAfter(),
		AckInterval:   cfg.AckInterval(),
		MaxRetries:    cfg.MaxRetries,
		PeerTimeout:   cfg.PeerTimeout(),
		RateLimitMbps: cfg.RateLimitMbps,
	}, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
