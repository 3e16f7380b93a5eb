package udpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jgoldverg/udprep/internal"
	"github.com/jgoldverg/udprep/pkg/udpwire"
	"golang.org/x/time/rate"
)

// Sender pushes one byte stream to one receiver with Go-Back-N. It runs on a
// single goroutine; the timed ACK read is its only blocking point.
type Sender struct {
	pc      net.PacketConn
	session SessionParams

	window  *txWindow
	src     *bufio.Reader
	eof     bool
	limiter *rate.Limiter

	initBuf   []byte
	initAcked bool
	lastHeard time.Time
	ackBuf    []byte
}

func NewSender(pc net.PacketConn, session SessionParams) *Sender {
	session = session.withDefaults()
	s := &Sender{
		pc:      pc,
		session: session,
		ackBuf:  make([]byte, udpwire.MaxDatagram),
	}
	if session.RateLimitMbps > 0 {
		bytesPerSec := float64(session.RateLimitMbps) * 1e6 / 8
		burst := session.WindowSize * (session.ChunkSize + udpwire.HeaderLen)
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(burst, udpwire.MaxSegmentSize))
	}
	return s
}

// Run transfers r and returns once every DATA packet has been acknowledged.
// It fails with ErrRetryBudgetExceeded when a slot would be retransmitted more
// than MaxRetries times, and with ErrPeerUnresponsive after PeerTimeout of silence.
func (s *Sender) Run(ctx context.Context, r io.Reader) error {
	if err := s.session.validate(); err != nil {
		return err
	}
	if s.pc == nil {
		return errors.New("packet conn required")
	}

	slotCap := s.session.ChunkSize + udpwire.HeaderLen
	s.window = newTxWindow(s.session.WindowSize, slotCap)
	s.src = bufio.NewReaderSize(r, max(s.session.ChunkSize, 4096))
	s.eof = false
	s.initAcked = false

	if err := s.sendInit(ctx, false); err != nil {
		return err
	}
	s.lastHeard = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.fill(ctx); err != nil {
			return err
		}
		if s.eof && s.window.inFlight() == 0 {
			internal.Debug("transfer acknowledged", internal.Fields{
				internal.FieldPeer: s.session.RemoteAddr.String(),
				internal.FieldNext: s.window.next,
			})
			return nil
		}

		if err := s.drainAck(); err != nil {
			return err
		}
		if s.eof && s.window.inFlight() == 0 {
			continue
		}

		now := time.Now()
		if s.session.PeerTimeout > 0 && now.Sub(s.lastHeard) > s.session.PeerTimeout {
			return fmt.Errorf("%w: no ack from %s for %s", ErrPeerUnresponsive, s.session.RemoteAddr, s.session.PeerTimeout)
		}
		if s.window.expired(now, s.session.RetryAfter) {
			if err := s.retransmitWindow(ctx); err != nil {
				return err
			}
		}
	}
}

// UploadBytes is Run over an in-memory payload.
func (s *Sender) UploadBytes(ctx context.Context, data []byte) error {
	return s.Run(ctx, bytes.NewReader(data))
}

func (s *Sender) fill(ctx context.Context) error {
	for !s.eof && !s.window.full() {
		slot := s.window.admit()
		payload := slot.buf[udpwire.HeaderLen : udpwire.HeaderLen+s.session.ChunkSize]
		n, final, err := s.readChunk(payload)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		s.session.Metrics.ObserveSourceRead(n)

		pkt := udpwire.Packet{
			Seq:      slot.seq,
			Kind:     udpwire.KindData,
			Final:    final,
			SenderID: s.session.SenderID,
		}
		// header only; the payload was read in place behind it
		if _, err := pkt.Encode(slot.buf[:udpwire.HeaderLen]); err != nil {
			return err
		}
		slot.n = udpwire.HeaderLen + n
		s.eof = final

		if err := s.transmit(ctx, slot.bytes()); err != nil {
			return err
		}
		slot.sentAt = time.Now()
		s.session.Metrics.ObserveSend(slot.n, false)
		s.logEvent("SEND", slot.seq)
	}
	return nil
}

// readChunk fills dst from the source and reports whether this chunk is the
// last one, peeking one byte ahead so the final flag rides on real data.
func (s *Sender) readChunk(dst []byte) (int, bool, error) {
	n, err := io.ReadFull(s.src, dst)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	case err != nil:
		return n, false, err
	}
	if _, err := s.src.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}

func (s *Sender) sendInit(ctx context.Context, resend bool) error {
	if s.initBuf == nil {
		pkt := udpwire.Packet{
			Kind:      udpwire.KindInit,
			SenderID:  s.session.SenderID,
			Path:      s.session.DestPath,
			ChunkSize: uint32(s.session.ChunkSize),
		}
		buf := make([]byte, pkt.EncodedLen())
		if _, err := pkt.Encode(buf); err != nil {
			return fmt.Errorf("encode init: %w", err)
		}
		s.initBuf = buf
	}
	if err := s.transmit(ctx, s.initBuf); err != nil {
		return err
	}
	s.session.Metrics.ObserveSend(len(s.initBuf), resend)
	internal.Debug("init sent", internal.Fields{
		internal.FieldPeer: s.session.RemoteAddr.String(),
		internal.FieldPath: s.session.DestPath,
		"chunk_size":       s.session.ChunkSize,
		"resend":           resend,
	})
	return nil
}

// drainAck performs the loop's one timed receive and applies the ACK if any.
func (s *Sender) drainAck() error {
	_ = s.pc.SetReadDeadline(time.Now().Add(s.session.AckInterval))
	n, addr, err := s.pc.ReadFrom(s.ackBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return fmt.Errorf("read ack: %w", err)
	}
	if !matchAddr(addr, s.session.RemoteAddr) {
		return nil
	}

	var pkt udpwire.Packet
	if _, err := pkt.Decode(s.ackBuf[:n]); err != nil || pkt.Kind != udpwire.KindAck {
		internal.Debug("ignoring non-ack datagram", internal.Fields{
			internal.FieldPeer: addr.String(),
			internal.FieldMsg:  fmt.Sprint(err),
		})
		return nil
	}

	s.lastHeard = time.Now()
	s.initAcked = true

	released, rtt := s.window.ackThrough(pkt.Seq)
	if released == 0 {
		return nil
	}
	s.session.Metrics.ObserveAck(rtt)
	s.logEvent("ACK", pkt.Seq)
	return nil
}

func (s *Sender) retransmitWindow(ctx context.Context) error {
	s.session.Metrics.ObserveTimeout()
	if slot, over := s.window.overBudget(s.session.MaxRetries); over {
		internal.Error("retry budget exceeded", internal.Fields{
			internal.FieldPeer: s.session.RemoteAddr.String(),
			internal.FieldSeq:  slot.seq,
			internal.FieldBase: s.window.base,
			internal.FieldNext: s.window.next,
			"retries":          slot.retries,
		})
		return fmt.Errorf("%w: seq %d to %s after %d retransmissions",
			ErrRetryBudgetExceeded, slot.seq, s.session.RemoteAddr, slot.retries)
	}

	if !s.initAcked {
		if err := s.sendInit(ctx, true); err != nil {
			return err
		}
	}

	return s.window.each(func(slot *txSlot) error {
		slot.retries++
		if err := s.transmit(ctx, slot.bytes()); err != nil {
			return err
		}
		slot.sentAt = time.Now()
		s.session.Metrics.ObserveSend(slot.n, true)
		s.logEvent("RESEND", slot.seq)
		return nil
	})
}

func (s *Sender) transmit(ctx context.Context, b []byte) error {
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(b)); err != nil {
			return err
		}
	}
	if _, err := s.pc.WriteTo(b, s.session.RemoteAddr); err != nil {
		return fmt.Errorf("send to %s: %w", s.session.RemoteAddr, err)
	}
	return nil
}

func (s *Sender) logEvent(event string, seq uint32) {
	if !internal.DebugEnabled() {
		return
	}
	internal.Debug(event, internal.Fields{
		internal.FieldPeer:      s.session.RemoteAddr.String(),
		internal.FieldSeq:       seq,
		internal.FieldBase:      s.window.base,
		internal.FieldNext:      s.window.next,
		internal.FieldWindowEnd: s.window.end(),
	})
}

// Stats exposes the window position, mainly for tests and progress output.
func (s *Sender) Stats() (base, next uint32, inFlight int) {
	if s.window == nil {
		return 0, 0, 0
	}
	return s.window.base, s.window.next, s.window.inFlight()
}

func matchAddr(addr net.Addr, target *net.UDPAddr) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || target == nil {
		return false
	}
	if !udpAddr.IP.Equal(target.IP) {
		return false
	}
	return udpAddr.Port == target.Port
}
