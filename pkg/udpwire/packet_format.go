package udpwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

type Kind byte

const (
	KindInit Kind = 0
	KindData Kind = 1
	KindAck  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	default:
		return fmt.Sprintf("KIND(%d)", byte(k))
	}
}

const (
	// seq(4) + kind(1) + is_final(1) + sender_id(16)
	HeaderLen = 22

	// MaxSegmentSize is the largest MSS a sender may configure.
	MaxSegmentSize = 1400

	// MaxDatagram is the largest UDP payload a receiver has to buffer.
	MaxDatagram = 65507

	chunkSizeLen = 4

	// AckNone is the cumulative ACK of a session that has not received
	// sequence 0 yet (expected-1 with expected == 0).
	AckNone uint32 = math.MaxUint32
)

var (
	ErrMalformed      = errors.New("malformed packet")
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Packet is the single wire unit. Path and ChunkSize are only carried by
// INIT, Payload and Final only by DATA.
type Packet struct {
	Seq       uint32
	Kind      Kind
	Final     bool
	SenderID  uuid.UUID
	Path      string
	ChunkSize uint32
	Payload   []byte
}

func (p *Packet) EncodedLen() int {
	switch p.Kind {
	case KindInit:
		return HeaderLen + len(p.Path) + 1 + chunkSizeLen
	case KindData:
		return HeaderLen + len(p.Payload)
	default:
		return HeaderLen
	}
}

func (p *Packet) Encode(dst []byte) (int, error) {
	switch p.Kind {
	case KindInit:
		if p.ChunkSize == 0 {
			return 0, errors.New("init packet requires a chunk size")
		}
		if bytes.IndexByte([]byte(p.Path), 0) >= 0 {
			return 0, errors.New("init path must not contain NUL")
		}
	case KindData, KindAck:
	default:
		return 0, fmt.Errorf("unknown packet kind %d", byte(p.Kind))
	}

	need := p.EncodedLen()
	if len(dst) < need {
		return 0, fmt.Errorf("%w: need %d, got %d", ErrBufferTooSmall, need, len(dst))
	}

	binary.BigEndian.PutUint32(dst[0:4], p.Seq)
	dst[4] = byte(p.Kind)
	dst[5] = 0
	if p.Kind == KindData && p.Final {
		dst[5] = 1
	}
	copy(dst[6:HeaderLen], p.SenderID[:])

	switch p.Kind {
	case KindInit:
		off := HeaderLen + copy(dst[HeaderLen:], p.Path)
		dst[off] = 0
		binary.BigEndian.PutUint32(dst[off+1:off+1+chunkSizeLen], p.ChunkSize)
	case KindData:
		copy(dst[HeaderLen:], p.Payload)
	}
	return need, nil
}

// Decode parses src into p. Payload aliases src; callers that keep it past
// the next read must copy it.
func (p *Packet) Decode(src []byte) (int, error) {
	if len(src) < HeaderLen {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrMalformed, len(src), HeaderLen)
	}

	kind := Kind(src[4])
	p.Seq = binary.BigEndian.Uint32(src[0:4])
	p.Kind = kind
	p.Final = false
	copy(p.SenderID[:], src[6:HeaderLen])
	p.Path = ""
	p.ChunkSize = 0
	p.Payload = nil

	body := src[HeaderLen:]
	switch kind {
	case KindInit:
		nul := bytes.IndexByte(body, 0)
		if nul < 0 {
			return 0, fmt.Errorf("%w: init path is not NUL terminated", ErrMalformed)
		}
		if len(body)-(nul+1) < chunkSizeLen {
			return 0, fmt.Errorf("%w: init chunk size truncated", ErrMalformed)
		}
		chunk := binary.BigEndian.Uint32(body[nul+1 : nul+1+chunkSizeLen])
		if chunk == 0 {
			return 0, fmt.Errorf("%w: init chunk size is zero", ErrMalformed)
		}
		p.Path = string(body[:nul])
		p.ChunkSize = chunk
		return HeaderLen + nul + 1 + chunkSizeLen, nil
	case KindData:
		p.Final = src[5] != 0
		p.Payload = body
		return len(src), nil
	case KindAck:
		return HeaderLen, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", ErrMalformed, byte(kind))
	}
}

func PeekKind(src []byte) (Kind, bool) {
	if len(src) < HeaderLen {
		return 0, false
	}
	k := Kind(src[4])
	if k > KindAck {
		return 0, false
	}
	return k, true
}

// ChunkSizeForMSS returns the DATA payload size for a maximum segment size.
func ChunkSizeForMSS(mss int) (int, error) {
	if mss <= HeaderLen {
		return 0, fmt.Errorf("mss %d must exceed the %d byte header", mss, HeaderLen)
	}
	if mss > MaxSegmentSize {
		return 0, fmt.Errorf("mss %d exceeds the maximum of %d", mss, MaxSegmentSize)
	}
	return mss - HeaderLen, nil
}
