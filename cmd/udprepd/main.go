package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/gserver"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "", "path to receiver config (TOML)")
	pflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := internal.LoadReceiverConfig(*configPath)
	if err != nil {
		internal.Error("failed to load receiver config", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}
	if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
		internal.Warn("invalid log level in receiver config, defaulting to info", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gserver.ListenAndServe(ctx, cfg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			internal.Error("receiver stopped", internal.Fields{
				internal.FieldError: err.Error(),
			})
			os.Exit(1)
		}
		return
	case sig := <-sigChan:
		internal.Info("shutting down", internal.Fields{"signal": sig.String()})
		cancel()
	}
	if err := <-errCh; err != nil {
		internal.Error("receiver shutdown failed", internal.Fields{internal.FieldError: err.Error()})
	}
	internal.Info("udprepd shutdown complete", nil)
}
