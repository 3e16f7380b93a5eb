package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jgoldverg/udprep/cli/output"
	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/jgoldverg/udprep/pkg/udpclient"
	"github.com/spf13/cobra"
)

func SendCommand() *cobra.Command {
	var opts SessionFlags
	cmd := &cobra.Command{
		Use:          "send <host> <port> <in_file> <out_path>",
		Short:        "Send one file to a single receiver",
		Args:         cobra.ExactArgs(4),
		SilenceUsage: true,
		Annotations:  map[string]string{annotationSenderConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}
			return runSend(cmd, &opts, args[0], port, args[2], args[3])
		},
	}
	bindSessionFlags(cmd, &opts)
	return cmd
}

func runSend(cmd *cobra.Command, opts *SessionFlags, host string, port int, inFile, outPath string) error {
	cfg, err := GetSenderConfig(cmd)
	if err != nil {
		return err
	}
	effective := opts.apply(cmd.Flags(), *cfg)
	params, err := sessionParams(&effective)
	if err != nil {
		return err
	}

	localPath, err := expandUserPath(inFile)
	if err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}
	defer pc.Close()

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewTransferCollector("")
	params.RemoteAddr = raddr
	params.DestPath = outPath
	params.Metrics = collector

	internal.Info("starting send", internal.Fields{
		internal.FieldTarget: raddr.String(),
		internal.FieldPath:   outPath,
		internal.FieldBytes:  info.Size(),
		"chunk_size":         params.ChunkSize,
		"window":             params.WindowSize,
	})

	var display *output.MetricsDisplay
	if !opts.NoProgress {
		display = output.NewMetricsDisplay("udprep send "+raddr.String(), collector)
		if err := display.Start(ctx); err != nil {
			display = nil
		}
	}
	err = udpclient.NewSender(pc, params).Run(ctx, f)
	display.Stop()

	printer := output.NewPrinter()
	if err != nil {
		printer.Error("send failed", map[string]any{"target": raddr.String(), "error": err.Error()})
		return err
	}
	snap := collector.Snapshot()
	printer.Success("send complete", map[string]any{
		"target":  raddr.String(),
		"path":    outPath,
		"bytes":   output.HumanizeSize(snap.SourceBytes),
		"elapsed": snap.Elapsed.Round(time.Millisecond).String(),
	})
	return nil
}
