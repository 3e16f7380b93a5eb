package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgoldverg/udprep/pkg/gserver"
	"github.com/jgoldverg/udprep/pkg/udpclient"
)

func startReceiver(t *testing.T) (Target, string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	root := t.TempDir()
	srv := gserver.NewServer(pc, gserver.Options{RootDir: root, ReadTick: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		pc.Close()
	})
	return Target{Host: "127.0.0.1", Port: pc.LocalAddr().(*net.UDPAddr).Port}, root
}

func deadTarget(t *testing.T) Target {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return Target{Host: "127.0.0.1", Port: port}
}

func testParams() Params {
	return Params{
		LocalAddr: "127.0.0.1:0",
		Session: udpclient.SessionParams{
			ChunkSize:   256,
			WindowSize:  8,
			RetryAfter:  30 * time.Millisecond,
			AckInterval: 5 * time.Millisecond,
			MaxRetries:  5,
		},
	}
}

func TestReplicateToEveryTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte("replica-"), 700)
	var targets []Target
	var roots []string
	for range 3 {
		target, root := startReceiver(t)
		targets = append(targets, target)
		roots = append(roots, root)
	}

	var reads atomic.Int64
	params := testParams()
	params.WrapSource = func(_ int, _ Target, r io.Reader) io.Reader {
		reads.Add(1)
		return r
	}

	report, err := Replicate(ctx, Plan{Source: BytesSource(data), DestPath: "copy.bin", Targets: targets}, params)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if report.Succeeded() != 3 || reads.Load() != 3 {
		t.Fatalf("succeeded=%d wrapped=%d", report.Succeeded(), reads.Load())
	}
	for i, root := range roots {
		got, err := os.ReadFile(filepath.Join(root, "copy.bin"))
		if err != nil || !bytes.Equal(got, data) {
			t.Fatalf("target %d: %d bytes, err %v", i, len(got), err)
		}
		if report.Outcomes[i].Target != targets[i] {
			t.Fatalf("outcome %d reported for %s", i, report.Outcomes[i].Target)
		}
		if report.Outcomes[i].Stats.SourceBytes != uint64(len(data)) {
			t.Fatalf("outcome %d read %d source bytes", i, report.Outcomes[i].Stats.SourceBytes)
		}
	}
}

func TestReplicateReportsFailedLinkWithoutStoppingOthers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	good, root := startReceiver(t)
	dead := deadTarget(t)

	source := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(source, []byte("hello replicas"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	report, err := Replicate(ctx, Plan{Source: FileSource(source), DestPath: "out.txt", Targets: []Target{dead, good}}, testParams())
	if !errors.Is(err, ErrLinkFailed) {
		t.Fatalf("expected ErrLinkFailed, got %v", err)
	}
	if !errors.Is(err, udpclient.ErrRetryBudgetExceeded) {
		t.Fatalf("link cause lost: %v", err)
	}
	if report.Outcomes[0].OK() || !report.Outcomes[1].OK() {
		t.Fatalf("unexpected outcomes %+v", report.Outcomes)
	}
	got, _ := os.ReadFile(filepath.Join(root, "out.txt"))
	if string(got) != "hello replicas" {
		t.Fatalf("healthy target got %q", got)
	}
}

func TestReplicateMissingSourceFailsEveryLink(t *testing.T) {
	target, _ := startReceiver(t)
	report, err := Replicate(context.Background(), Plan{
		Source:   FileSource(filepath.Join(t.TempDir(), "missing")),
		DestPath: "out",
		Targets:  []Target{target},
	}, testParams())
	if !errors.Is(err, ErrLinkFailed) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
	if report.Succeeded() != 0 {
		t.Fatalf("no link should succeed")
	}
}

func TestReplicateRejectsEmptyPlan(t *testing.T) {
	if _, err := Replicate(context.Background(), Plan{Source: BytesSource(nil), DestPath: "x"}, testParams()); err == nil {
		t.Fatalf("expected error for no targets")
	}
}
