package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jgoldverg/udprep/cli/output"
	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/replication"
	"github.com/spf13/cobra"
)

func ReplicateCommand() *cobra.Command {
	var opts SessionFlags
	cmd := &cobra.Command{
		Use:   "replicate <factor> <targets_file> <in_file> <out_path>",
		Short: "Send one file to the first <factor> receivers of a targets file in parallel",
		Long: `Targets files list one "host port" pair per line (# starts a comment), or
use YAML when the file ends in .yaml/.yml:

  targets:
    - host: 10.0.0.1
      port: 9877`,
		Aliases:      []string{"rep"},
		Args:         cobra.ExactArgs(4),
		SilenceUsage: true,
		Annotations:  map[string]string{annotationSenderConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			factor, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid replication factor %q", args[0])
			}
			return runReplicate(cmd, &opts, factor, args[1], args[2], args[3])
		},
	}
	bindSessionFlags(cmd, &opts)
	return cmd
}

func runReplicate(cmd *cobra.Command, opts *SessionFlags, factor int, targetsFile, inFile, outPath string) error {
	cfg, err := GetSenderConfig(cmd)
	if err != nil {
		return err
	}
	effective := opts.apply(cmd.Flags(), *cfg)
	params, err := sessionParams(&effective)
	if err != nil {
		return err
	}

	targetsPath, err := expandUserPath(targetsFile)
	if err != nil {
		return err
	}
	targets, err := replication.LoadTargets(targetsPath, factor)
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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	internal.Info("starting replication", internal.Fields{
		internal.FieldPath:  outPath,
		internal.FieldBytes: info.Size(),
		"factor":            factor,
		"targets_file":      targetsPath,
	})

	rp := replication.Params{Session: params}
	var progress *output.ProgressManager
	if !opts.NoProgress {
		progress = output.NewProgressManager()
		if err := progress.Start(); err != nil {
			progress = nil
		} else {
			total := uint64(info.Size())
			rp.WrapSource = func(i int, t replication.Target, r io.Reader) io.Reader {
				return progress.WrapReader(i, t.String(), total, r)
			}
		}
	}

	report, err := replication.Replicate(ctx, replication.Plan{
		Source:   replication.FileSource(localPath),
		DestPath: outPath,
		Targets:  targets,
	}, rp)
	progress.Stop()

	if renderErr := output.PrintReplicationReport(report); renderErr != nil {
		internal.Warn("failed to render report", internal.Fields{internal.FieldError: renderErr.Error()})
	}
	if err != nil {
		return fmt.Errorf("%d of %d replicas failed: %w", len(report.Outcomes)-report.Succeeded(), len(report.Outcomes), err)
	}
	return nil
}
