package gserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/gserver/dataplane"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listen binds the receiver's UDP socket, preferring a dual-stack v6 socket
// and falling back to v4.
func Listen(ctx context.Context, port, readBufferSize int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: socketControl}

	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		internal.Warn("error creating udp ipv6 listener", internal.Fields{
			internal.FieldPort:  port,
			internal.FieldError: err.Error(),
		})
		pc, err = lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			return nil, fmt.Errorf("listen udp :%d: %w", port, err)
		}
	}
	if uc, ok := pc.(*net.UDPConn); ok && readBufferSize > 0 {
		_ = uc.SetReadBuffer(readBufferSize)
	}
	internal.Info("udp listener bound", internal.Fields{
		internal.FieldPort: port,
		"network":          pc.LocalAddr().Network(),
		"addr":             pc.LocalAddr().String(),
	})
	return pc, nil
}

// ListenAndServe runs a receiver configured by cfg until ctx is done. It binds
// the socket, wraps it in the drop simulator when drop_percent is set and
// exposes /metrics when metrics_addr is set.
func ListenAndServe(ctx context.Context, cfg *internal.ReceiverConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	pc, err := Listen(ctx, cfg.Port, cfg.ReadBufferSize)
	if err != nil {
		return err
	}
	defer pc.Close()

	var conn net.PacketConn = pc
	if cfg.DropPercent > 0 {
		conn = dataplane.NewLossyConn(pc, cfg.DropPercent, cfg.DropSeed)
		internal.Warn("simulating packet loss", internal.Fields{
			"drop_percent": cfg.DropPercent,
			"drop_seed":    cfg.DropSeed,
		})
	}

	collector := metrics.NewReceiverCollector("")
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, collector)
		defer stop()
	}

	srv := NewServer(conn, Options{
		RootDir:         cfg.RootDir,
		SessionCapacity: cfg.SessionCapacity,
		ReorderBuffer:   cfg.ReorderBuffer,
		SessionTTL:      cfg.SessionTTL(),
		CompletedLinger: cfg.CompletedLinger(),
		Metrics:         collector,
	})
	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(addr string, collector *metrics.ReceiverCollector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics endpoint failed", internal.Fields{
				"addr":              addr,
				internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("metrics endpoint listening", internal.Fields{"addr": addr})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
