package gserver

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/udprep/backend/localfs"
	"github.com/jgoldverg/udprep/pkg/gserver/dataplane"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/jgoldverg/udprep/pkg/udpclient"
	"github.com/jgoldverg/udprep/pkg/udpwire"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// startServer runs a receiver on its own goroutine until the test ends.
func startServer(t *testing.T, pc net.PacketConn, opts Options) *Server {
	t.Helper()
	if opts.ReadTick == 0 {
		opts.ReadTick = 20 * time.Millisecond
	}
	srv := NewServer(pc, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("server run: %v", err)
		}
	})
	return srv
}

func newUploader(t *testing.T, addr net.Addr, dest string, chunk int) *udpclient.Sender {
	t.Helper()
	return udpclient.NewSender(listenLoopback(t), udpclient.SessionParams{
		RemoteAddr:  addr.(*net.UDPAddr),
		SenderID:    uuid.New(),
		DestPath:    dest,
		ChunkSize:   chunk,
		WindowSize:  8,
		RetryAfter:  40 * time.Millisecond,
		AckInterval: 5 * time.Millisecond,
		MaxRetries:  50,
	})
}

func uploadTo(t *testing.T, ctx context.Context, addr net.Addr, dest string, chunk int, data []byte) error {
	t.Helper()
	return newUploader(t, addr, dest, chunk).UploadBytes(ctx, data)
}

func TestServerReceivesFileEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	collector := metrics.NewReceiverCollector("udprep_test")
	srv := startServer(t, listenLoopback(t), Options{RootDir: root, Metrics: collector})

	if err := uploadTo(t, ctx, srv.LocalAddr(), "nested/out.txt", 8, []byte("ABCDEFGHIJKLMN")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "nested", "out.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "ABCDEFGHIJKLMN" {
		t.Fatalf("output = %q", got)
	}
}

func TestServerOverwritesLongerExistingFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	target := filepath.Join(root, "out.bin")
	if err := os.WriteFile(target, bytes.Repeat([]byte("z"), 4096), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	srv := startServer(t, listenLoopback(t), Options{RootDir: root})

	if err := uploadTo(t, ctx, srv.LocalAddr(), "out.bin", 16, []byte("short")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, _ := os.ReadFile(target)
	if string(got) != "short" {
		t.Fatalf("stale bytes left behind: %q", got)
	}
}

func TestServerSurvivesPacketLoss(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data := make([]byte, 16*1024+37)
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range data {
		data[i] = byte(rng.IntN(256))
	}

	root := t.TempDir()
	lossy := dataplane.NewLossyConn(listenLoopback(t), 10, 42)
	srv := startServer(t, lossy, Options{RootDir: root})

	if err := uploadTo(t, ctx, srv.LocalAddr(), "lossy.bin", 512, data); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "lossy.bin"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("output differs: got %d bytes, want %d", len(got), len(data))
	}
	if in, out := lossy.Dropped(); in+out == 0 {
		t.Fatalf("loss harness dropped nothing")
	}
}

func TestServerConcurrentSenders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := t.TempDir()
	srv := startServer(t, listenLoopback(t), Options{RootDir: root})

	payloads := map[string][]byte{
		"a.txt": bytes.Repeat([]byte("a"), 3000),
		"b.txt": bytes.Repeat([]byte("b"), 1777),
		"c.txt": []byte("c"),
	}
	errs := make(chan error, len(payloads))
	for name, data := range payloads {
		sender := newUploader(t, srv.LocalAddr(), name, 100)
		go func() { errs <- sender.UploadBytes(ctx, data) }()
	}
	for range payloads {
		if err := <-errs; err != nil {
			t.Fatalf("upload: %v", err)
		}
	}
	for name, want := range payloads {
		got, err := os.ReadFile(filepath.Join(root, name))
		if err != nil || !bytes.Equal(got, want) {
			t.Fatalf("%s: got %d bytes, err %v", name, len(got), err)
		}
	}
}

// packetHarness drives HandlePacket directly and captures the ACKs it sends.
type packetHarness struct {
	t     *testing.T
	srv   *Server
	peer  net.PacketConn
	sinks map[string]*localfs.BufferSink
	buf   []byte
}

func newPacketHarness(t *testing.T, opts Options) *packetHarness {
	h := &packetHarness{
		t:     t,
		peer:  listenLoopback(t),
		sinks: map[string]*localfs.BufferSink{},
		buf:   make([]byte, udpwire.MaxDatagram),
	}
	if opts.OpenSink == nil {
		opts.OpenSink = func(path string) (localfs.Sink, error) {
			sink := localfs.NewBufferSink(0)
			h.sinks[path] = sink
			return sink, nil
		}
	}
	h.srv = NewServer(listenLoopback(t), opts)
	return h
}

func (h *packetHarness) send(from net.Addr, pkt udpwire.Packet) {
	h.t.Helper()
	b := make([]byte, pkt.EncodedLen())
	n, err := pkt.Encode(b)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	h.srv.HandlePacket(from, b[:n])
}

// ack returns the next ACK delivered to the harness peer, or false if none
// arrives shortly.
func (h *packetHarness) ack() (uint32, bool) {
	h.t.Helper()
	_ = h.peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, _, err := h.peer.ReadFrom(h.buf)
	if err != nil {
		return 0, false
	}
	var pkt udpwire.Packet
	if _, err := pkt.Decode(h.buf[:n]); err != nil || pkt.Kind != udpwire.KindAck {
		h.t.Fatalf("expected ack, got %v (%v)", pkt.Kind, err)
	}
	return pkt.Seq, true
}

func initPacket(path string, chunk uint32) udpwire.Packet {
	return udpwire.Packet{Kind: udpwire.KindInit, Path: path, ChunkSize: chunk}
}

func dataPacket(seq uint32, payload string, final bool) udpwire.Packet {
	return udpwire.Packet{Seq: seq, Kind: udpwire.KindData, Final: final, Payload: []byte(payload)}
}

func TestHandlePacketInitAndData(t *testing.T) {
	h := newPacketHarness(t, Options{})
	from := h.peer.LocalAddr()

	h.send(from, dataPacket(0, "early", false))
	if _, ok := h.ack(); ok {
		t.Fatalf("data from an unknown peer must not be acked")
	}

	h.send(from, initPacket("out", 4))
	if ack, ok := h.ack(); !ok || ack != udpwire.AckNone {
		t.Fatalf("init ack = %d, %v", ack, ok)
	}

	h.send(from, dataPacket(1, "efgh", false))
	if ack, _ := h.ack(); ack != udpwire.AckNone {
		t.Fatalf("out-of-order data acked %d", ack)
	}
	h.send(from, dataPacket(0, "abcd", false))
	if ack, _ := h.ack(); ack != 1 {
		t.Fatalf("cascade ack = %d", ack)
	}
	h.send(from, dataPacket(0, "abcd", false))
	if ack, _ := h.ack(); ack != 1 {
		t.Fatalf("duplicate must be re-acked with the cumulative value, got %d", ack)
	}
	h.send(from, dataPacket(2, "ij", true))
	if ack, _ := h.ack(); ack != 2 {
		t.Fatalf("final ack = %d", ack)
	}
	if got := string(h.sinks["out"].Bytes()); got != "abcdefghij" {
		t.Fatalf("output = %q", got)
	}
}

func TestHandlePacketDropsMalformed(t *testing.T) {
	collector := metrics.NewReceiverCollector("udprep_test")
	h := newPacketHarness(t, Options{Metrics: collector})

	h.srv.HandlePacket(h.peer.LocalAddr(), []byte{0, 0, 0, 1, 9})
	if _, ok := h.ack(); ok {
		t.Fatalf("malformed packet must not be acked")
	}
	if h.srv.Sessions() != 0 {
		t.Fatalf("malformed packet created a session")
	}
}

func TestHandlePacketTableFull(t *testing.T) {
	h := newPacketHarness(t, Options{SessionCapacity: 1})
	first := h.peer.LocalAddr()
	other := listenLoopback(t)

	h.send(first, initPacket("one", 4))
	h.ack()
	h.send(other.LocalAddr(), initPacket("two", 4))
	if _, ok := h.sinks["two"]; ok || h.srv.Sessions() != 1 {
		t.Fatalf("second peer should be rejected while the first is active")
	}

	h.send(first, dataPacket(0, "done", true))
	h.ack()
	h.send(other.LocalAddr(), initPacket("two", 4))
	if _, ok := h.sinks["two"]; ok {
		t.Fatalf("completed session reclaimed before its linger elapsed")
	}
}

func TestHandlePacketAcksFinalRetransmitWhileTableFull(t *testing.T) {
	collector := metrics.NewReceiverCollector("udprep_test")
	h := newPacketHarness(t, Options{SessionCapacity: 1, CompletedLinger: 5 * time.Second, Metrics: collector})
	now := time.Unix(1000, 0)
	h.srv.table.now = func() time.Time { return now }
	first := h.peer.LocalAddr()
	other := listenLoopback(t)

	h.send(first, initPacket("one", 4))
	h.ack()
	h.send(first, dataPacket(0, "done", true))
	h.ack() // treated as lost by the sender

	h.send(other.LocalAddr(), initPacket("two", 4))
	h.send(first, dataPacket(0, "done", true))
	if ack, ok := h.ack(); !ok || ack != 0 {
		t.Fatalf("retransmitted final after a rejected init: ack=%d acked=%v", ack, ok)
	}
	if h.sinks["one"].Closed() {
		t.Fatalf("lingering session output closed early")
	}

	now = now.Add(6 * time.Second)
	h.send(other.LocalAddr(), initPacket("two", 4))
	if _, ok := h.sinks["two"]; !ok {
		t.Fatalf("completed session past its linger should make room")
	}
	if !h.sinks["one"].Closed() {
		t.Fatalf("reclaimed session output left open")
	}

	want := `
# HELP udprep_test_receiver_sessions_total Session lifecycle events.
# TYPE udprep_test_receiver_sessions_total counter
udprep_test_receiver_sessions_total{event="completed"} 1
udprep_test_receiver_sessions_total{event="opened"} 2
udprep_test_receiver_sessions_total{event="reclaimed"} 1
udprep_test_receiver_sessions_total{event="rejected"} 1
`
	if err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(want), "udprep_test_receiver_sessions_total"); err != nil {
		t.Fatalf("session events: %v", err)
	}
}

func TestHandlePacketInitResetsSession(t *testing.T) {
	h := newPacketHarness(t, Options{})
	from := h.peer.LocalAddr()

	h.send(from, initPacket("first", 4))
	h.ack()
	h.send(from, dataPacket(0, "abcd", false))
	h.ack()

	h.send(from, initPacket("second", 4))
	if ack, _ := h.ack(); ack != udpwire.AckNone {
		t.Fatalf("reset ack = %d", ack)
	}
	if !h.sinks["first"].Closed() {
		t.Fatalf("previous output should be closed on reset")
	}
	h.send(from, dataPacket(0, "wxyz", true))
	if ack, _ := h.ack(); ack != 0 {
		t.Fatalf("new session ack = %d", ack)
	}
	if got := string(h.sinks["second"].Bytes()); got != "wxyz" {
		t.Fatalf("second output = %q", got)
	}
}

func TestHandlePacketWriteFailureDropsSession(t *testing.T) {
	h := newPacketHarness(t, Options{
		OpenSink: func(string) (localfs.Sink, error) {
			return failingSink{localfs.NewBufferSink(0)}, nil
		},
	})
	from := h.peer.LocalAddr()

	h.send(from, initPacket("bad", 4))
	h.ack()
	h.send(from, dataPacket(0, "abcd", false))
	if _, ok := h.ack(); ok {
		t.Fatalf("failed write must not be acked")
	}
	if h.srv.Sessions() != 0 {
		t.Fatalf("failed session should be removed")
	}
}

func TestHandlePacketRejectsEscapingPath(t *testing.T) {
	h := newPacketHarness(t, Options{RootDir: t.TempDir()})
	h.send(h.peer.LocalAddr(), initPacket("/", 4))
	if _, ok := h.ack(); ok || h.srv.Sessions() != 0 {
		t.Fatalf("init for the root itself must be rejected")
	}
}
