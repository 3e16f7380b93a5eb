package udpclient

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jgoldverg/udprep/pkg/metrics"
	"github.com/jgoldverg/udprep/pkg/udpwire"
)

const (
	DefaultWindowSize  = 10
	DefaultRetryAfter  = 2 * time.Second
	DefaultAckInterval = 100 * time.Millisecond
	DefaultMaxRetries  = 5
	DefaultPeerTimeout = 30 * time.Second
)

var (
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
	ErrPeerUnresponsive    = errors.New("peer unresponsive")
)

// SessionParams configures one sender link.
type SessionParams struct {
	RemoteAddr *net.UDPAddr
	SenderID   uuid.UUID
	DestPath   string

	// ChunkSize is the DATA payload size, i.e. the MSS minus the header.
	ChunkSize  int
	WindowSize int

	// RetryAfter is the retransmission timeout for the oldest unacked slot.
	RetryAfter time.Duration
	// AckInterval bounds each receive and is the loop's scheduling tick.
	AckInterval time.Duration
	MaxRetries  int
	// PeerTimeout fails the link when no ACK arrives for this long. Zero disables it.
	PeerTimeout time.Duration

	RateLimitMbps int
	Metrics       *metrics.TransferCollector
}

func (p SessionParams) withDefaults() SessionParams {
	if p.WindowSize <= 0 {
		p.WindowSize = DefaultWindowSize
	}
	if p.RetryAfter <= 0 {
		p.RetryAfter = DefaultRetryAfter
	}
	if p.AckInterval <= 0 {
		p.AckInterval = DefaultAckInterval
	}
	if p.AckInterval > p.RetryAfter {
		p.AckInterval = p.RetryAfter
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.SenderID == uuid.Nil {
		p.SenderID = uuid.New()
	}
	return p
}

func (p SessionParams) validate() error {
	if p.RemoteAddr == nil {
		return errors.New("remote addr required")
	}
	if p.DestPath == "" {
		return errors.New("destination path required")
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}
	if p.ChunkSize+udpwire.HeaderLen > udpwire.MaxSegmentSize {
		return fmt.Errorf("chunk size %d exceeds the %d byte segment limit", p.ChunkSize, udpwire.MaxSegmentSize)
	}
	return nil
}
