package gserver

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jgoldverg/udprep/backend/localfs"
	"github.com/jgoldverg/udprep/backend/pool"
	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/jgoldverg/udprep/pkg/udpwire"
)

type Options struct {
	// RootDir confines INIT destination paths when set.
	RootDir         string
	SessionCapacity int
	ReorderBuffer   int
	SessionTTL      time.Duration
	// CompletedLinger keeps finished sessions around so a retransmitted final
	// packet is still ACKed. Negative means reclaim immediately.
	CompletedLinger time.Duration
	// ReadTick bounds each socket read so cancellation is noticed.
	ReadTick time.Duration
	OpenSink localfs.SinkOpener
	Metrics  *metrics.ReceiverCollector
}

func (o Options) withDefaults() Options {
	if o.SessionCapacity <= 0 {
		o.SessionCapacity = DefaultSessionCapacity
	}
	if o.ReorderBuffer == 0 {
		o.ReorderBuffer = DefaultReorderBuffer
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.CompletedLinger == 0 {
		o.CompletedLinger = DefaultCompletedLinger
	}
	if o.ReadTick <= 0 {
		o.ReadTick = defaultReadTick
	}
	if o.OpenSink == nil {
		o.OpenSink = localfs.OpenSink
	}
	return o
}

// Server is the receiving end. One goroutine reads a datagram, runs it through
// decode, session lookup and reassembly, answers with an ACK and only then
// reads the next one.
type Server struct {
	pc      net.PacketConn
	opts    Options
	table   *SessionTable
	buffers *pool.BufferPool

	readBuf []byte
	ackBuf  []byte
}

// NewServer wraps pc. A negative ReorderBuffer disables out-of-order buffering.
func NewServer(pc net.PacketConn, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		pc:      pc,
		opts:    opts,
		table:   NewSessionTable(opts.SessionCapacity, opts.SessionTTL, opts.CompletedLinger),
		buffers: pool.NewBufferPool(udpwire.MaxSegmentSize - udpwire.HeaderLen),
		readBuf: make([]byte, udpwire.MaxDatagram),
		ackBuf:  make([]byte, udpwire.HeaderLen),
	}
	s.table.onReclaim = func(peer string) {
		s.opts.Metrics.ObserveSession("reclaimed", s.table.Len())
		internal.Info("session reclaimed for new peer", internal.Fields{internal.FieldPeer: peer})
	}
	return s
}

func (s *Server) LocalAddr() net.Addr { return s.pc.LocalAddr() }

func (s *Server) Sessions() int { return s.table.Len() }

// Run serves until ctx is cancelled or the socket fails. Open sessions are
// closed on return.
func (s *Server) Run(ctx context.Context) error {
	defer s.table.Close()

	internal.Info("receiver listening", internal.Fields{
		"addr":     s.pc.LocalAddr().String(),
		"root_dir": s.opts.RootDir,
		"capacity": s.opts.SessionCapacity,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = s.pc.SetReadDeadline(time.Now().Add(s.opts.ReadTick))
		n, addr, err := s.pc.ReadFrom(s.readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedNetworkError(err) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		s.HandlePacket(addr, s.readBuf[:n])
	}
}

// HandlePacket processes one datagram from src. Only the receive loop may call it.
func (s *Server) HandlePacket(src net.Addr, b []byte) {
	s.opts.Metrics.ObserveDatagram()

	var pkt udpwire.Packet
	if _, err := pkt.Decode(b); err != nil {
		s.opts.Metrics.ObserveMalformed()
		internal.Debug("dropping malformed packet", internal.Fields{
			internal.FieldPeer:  src.String(),
			internal.FieldBytes: len(b),
			internal.FieldError: err.Error(),
		})
		return
	}

	switch pkt.Kind {
	case udpwire.KindInit:
		s.handleInit(src, &pkt)
	case udpwire.KindData:
		s.handleData(src, &pkt)
	default:
		internal.Debug("ignoring unexpected packet kind", internal.Fields{
			internal.FieldPeer: src.String(),
			"kind":             pkt.Kind.String(),
		})
	}
}

func (s *Server) handleInit(src net.Addr, pkt *udpwire.Packet) {
	peer := src.String()
	fields := internal.Fields{
		internal.FieldPeer:   peer,
		internal.FieldPath:   pkt.Path,
		internal.FieldSender: pkt.SenderID.String(),
		"chunk_size":         pkt.ChunkSize,
	}

	if pkt.ChunkSize > udpwire.MaxDatagram-udpwire.HeaderLen {
		internal.Warn("rejecting init with oversized chunk", fields)
		return
	}
	dest, err := resolveDestination(s.opts.RootDir, pkt.Path)
	if err != nil {
		fields[internal.FieldError] = err.Error()
		internal.Warn("rejecting init destination", fields)
		return
	}

	_, existed := s.table.Lookup(peer)
	_, err = s.table.Reset(peer, func() (*transferState, error) {
		sink, err := s.opts.OpenSink(dest)
		if err != nil {
			return nil, err
		}
		return newTransferState(dest, pkt.ChunkSize, sink, s.opts.ReorderBuffer, s.buffers), nil
	})
	if err != nil {
		fields[internal.FieldError] = err.Error()
		if errors.Is(err, ErrTableFull) {
			s.opts.Metrics.ObserveSession("rejected", s.table.Len())
			internal.Warn("session table full, dropping init", fields)
			return
		}
		s.opts.Metrics.ObserveSession("failed", s.table.Len())
		internal.Error("failed to open destination", fields)
		return
	}

	event := "opened"
	if existed {
		event = "reset"
	}
	s.opts.Metrics.ObserveSession(event, s.table.Len())
	fields["dest"] = dest
	internal.Info("session "+event, fields)
	s.sendAck(src, udpwire.AckNone)
}

func (s *Server) handleData(src net.Addr, pkt *udpwire.Packet) {
	peer := src.String()
	st, ok := s.table.Lookup(peer)
	if !ok {
		s.opts.Metrics.ObserveData("unknown_peer")
		internal.Debug("dropping data from unknown peer", internal.Fields{
			internal.FieldPeer: peer,
			internal.FieldSeq:  pkt.Seq,
		})
		return
	}

	before := st.bytesWritten
	outcome, err := st.onData(pkt.Seq, pkt.Payload, pkt.Final)
	s.opts.Metrics.ObserveWrite(int(st.bytesWritten - before))
	if err != nil {
		s.table.Remove(peer)
		s.opts.Metrics.ObserveSession("failed", s.table.Len())
		internal.Error("session write failed, dropping session", internal.Fields{
			internal.FieldPeer:  peer,
			internal.FieldPath:  st.path,
			internal.FieldSeq:   pkt.Seq,
			internal.FieldError: err.Error(),
		})
		return
	}
	s.opts.Metrics.ObserveData(outcome.String())

	switch outcome {
	case outcomeCompleted:
		s.opts.Metrics.ObserveSession("completed", s.table.Len())
		internal.Info("transfer complete", internal.Fields{
			internal.FieldPeer:  peer,
			internal.FieldPath:  st.path,
			internal.FieldBytes: st.finalSize,
		})
	case outcomeBufferFull:
		internal.Warn("reorder buffer full, dropping packet", internal.Fields{
			internal.FieldPeer: peer,
			internal.FieldSeq:  pkt.Seq,
			"expected":         st.expected,
		})
	case outcomeOversized:
		internal.Warn("dropping oversized payload", internal.Fields{
			internal.FieldPeer:  peer,
			internal.FieldSeq:   pkt.Seq,
			internal.FieldBytes: len(pkt.Payload),
			"chunk_size":        st.chunkSize,
		})
	default:
		if internal.DebugEnabled() {
			internal.Debug("RECV", internal.Fields{
				internal.FieldPeer: peer,
				internal.FieldSeq:  pkt.Seq,
				"outcome":          outcome.String(),
				"expected":         st.expected,
			})
		}
	}

	s.sendAck(src, st.ackValue())
}

func (s *Server) sendAck(dst net.Addr, seq uint32) {
	ack := udpwire.Packet{Seq: seq, Kind: udpwire.KindAck}
	n, err := ack.Encode(s.ackBuf)
	if err != nil {
		internal.Warn("ack encode failed", internal.Fields{internal.FieldError: err.Error()})
		return
	}
	if _, err := s.pc.WriteTo(s.ackBuf[:n], dst); err != nil {
		internal.Warn("ack send failed", internal.Fields{
			internal.FieldPeer:  dst.String(),
			internal.FieldError: err.Error(),
		})
		return
	}
	s.opts.Metrics.ObserveAckSent()
}

func isClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	// Fallback for platforms that wrap the error string.
	return strings.Contains(err.Error(), "use of closed network connection")
}
