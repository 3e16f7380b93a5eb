package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/jgoldverg/udprep/pkg/udpclient"
)

var ErrLinkFailed = errors.New("replication link failed")

type Target struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// SourceOpener returns a fresh reader over the source for each link.
type SourceOpener func() (io.ReadCloser, error)

func FileSource(path string) SourceOpener {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

func BytesSource(data []byte) SourceOpener {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

type Plan struct {
	Source   SourceOpener
	DestPath string
	Targets  []Target
}

type Params struct {
	// Session is the template for every link; RemoteAddr and DestPath are
	// filled in per target.
	Session udpclient.SessionParams
	// LocalAddr is where each link binds its socket. Empty means any port.
	LocalAddr string
	// MetricsNamespace names each link's transfer collector.
	MetricsNamespace string
	// WrapSource lets callers observe link i's reads, e.g. for progress bars.
	WrapSource func(i int, t Target, r io.Reader) io.Reader
}

type LinkOutcome struct {
	Target  Target
	Err     error
	Elapsed time.Duration
	Stats   metrics.TransferSnapshot
}

func (o LinkOutcome) OK() bool { return o.Err == nil }

type Report struct {
	Outcomes []LinkOutcome
}

func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Replicate sends the source to every target at once, one independent link per
// target. It waits for all links and fails if any of them failed. Targets that
// completed keep their copy and one failing link does not stop the others.
func Replicate(ctx context.Context, plan Plan, params Params) (Report, error) {
	if plan.Source == nil {
		return Report{}, errors.New("replication source required")
	}
	if plan.DestPath == "" {
		return Report{}, errors.New("destination path required")
	}
	if len(plan.Targets) == 0 {
		return Report{}, errors.New("at least one target required")
	}

	report := Report{Outcomes: make([]LinkOutcome, len(plan.Targets))}
	var wg sync.WaitGroup
	for i, target := range plan.Targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Outcomes[i] = runLink(ctx, i, target, plan, params)
		}()
	}
	wg.Wait()

	var errs []error
	for _, o := range report.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrLinkFailed, o.Target, o.Err))
		}
	}
	return report, errors.Join(errs...)
}

func runLink(ctx context.Context, i int, target Target, plan Plan, params Params) LinkOutcome {
	start := time.Now()
	out := LinkOutcome{Target: target}
	fields := internal.Fields{
		internal.FieldTarget: target.String(),
		internal.FieldPath:   plan.DestPath,
	}

	collector := metrics.NewTransferCollector(params.MetricsNamespace)
	err := sendTo(ctx, i, target, plan, params, collector)
	out.Elapsed = time.Since(start)
	out.Stats = collector.Snapshot()
	out.Err = err

	if err != nil {
		fields[internal.FieldError] = err.Error()
		internal.Error("replication link failed", fields)
		return out
	}
	fields[internal.FieldBytes] = out.Stats.SourceBytes
	fields["elapsed"] = out.Elapsed.Round(time.Millisecond).String()
	internal.Info("replication link complete", fields)
	return out
}

func sendTo(ctx context.Context, i int, target Target, plan Plan, params Params, collector *metrics.TransferCollector) error {
	raddr, err := net.ResolveUDPAddr("udp", target.String())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}
	laddr := params.LocalAddr
	if laddr == "" {
		laddr = ":0"
	}
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer pc.Close()

	src, err := plan.Source()
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	var r io.Reader = src
	if params.WrapSource != nil {
		r = params.WrapSource(i, target, r)
	}

	session := params.Session
	session.RemoteAddr = raddr
	session.DestPath = plan.DestPath
	session.Metrics = collector
	return udpclient.NewSender(pc, session).Run(ctx, r)
}
