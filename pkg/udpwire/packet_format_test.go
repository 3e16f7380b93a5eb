package udpwire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestInitPacketRoundTrip(t *testing.T) {
	id := uuid.New()
	in := Packet{Seq: 0, Kind: KindInit, SenderID: id, Path: "out/dir/file.bin", ChunkSize: 1378}

	buf := make([]byte, in.EncodedLen())
	n, err := in.Encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != HeaderLen+len(in.Path)+1+4 {
		t.Fatalf("unexpected encoded length %d", n)
	}

	var out Packet
	if _, err := out.Decode(buf[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != KindInit || out.Path != in.Path || out.ChunkSize != in.ChunkSize || out.SenderID != id {
		t.Fatalf("decoded init mismatch: %+v", out)
	}
}

func TestDataPacketHeaderLayout(t *testing.T) {
	id := uuid.New()
	in := Packet{Seq: 0x01020304, Kind: KindData, Final: true, SenderID: id, Payload: []byte("IJKLMN")}

	buf := make([]byte, MaxSegmentSize)
	n, err := in.Encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, byte(KindData), 1}
	if !bytes.Equal(buf[:6], want) {
		t.Fatalf("header prefix = %x, want %x", buf[:6], want)
	}
	if !bytes.Equal(buf[6:HeaderLen], id[:]) {
		t.Fatalf("sender id not at offset 6")
	}
	if !bytes.Equal(buf[HeaderLen:n], in.Payload) {
		t.Fatalf("payload = %q", buf[HeaderLen:n])
	}

	var out Packet
	if _, err := out.Decode(buf[:n]); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Final || out.Seq != in.Seq || string(out.Payload) != "IJKLMN" {
		t.Fatalf("decoded data mismatch: %+v", out)
	}
}

func TestAckIsHeaderOnly(t *testing.T) {
	in := Packet{Seq: AckNone, Kind: KindAck}
	buf := make([]byte, HeaderLen)
	n, err := in.Encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n != HeaderLen {
		t.Fatalf("ack length %d, want %d", n, HeaderLen)
	}

	// trailing garbage is ignored
	var out Packet
	if _, err := out.Decode(append(buf[:n], 0xde, 0xad)); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Seq != AckNone || out.Kind != KindAck {
		t.Fatalf("decoded ack mismatch: %+v", out)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := make([]byte, 64)
	initPkt := Packet{Kind: KindInit, Path: "a", ChunkSize: 8}
	n, err := initPkt.Encode(valid)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	valid = valid[:n]

	noNul := append([]byte(nil), valid[:HeaderLen]...)
	noNul = append(noNul, 'a', 'b', 'c')

	shortChunk := append([]byte(nil), valid[:n-2]...)

	zeroChunk := append([]byte(nil), valid...)
	copy(zeroChunk[n-4:], []byte{0, 0, 0, 0})

	badKind := make([]byte, HeaderLen)
	badKind[4] = 7

	cases := map[string][]byte{
		"empty":         nil,
		"short header":  make([]byte, HeaderLen-1),
		"no terminator": noNul,
		"short chunk":   shortChunk,
		"zero chunk":    zeroChunk,
		"unknown kind":  badKind,
	}
	for name, src := range cases {
		var p Packet
		if _, err := p.Decode(src); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	p := Packet{Kind: KindData, Payload: make([]byte, 10)}
	if _, err := p.Encode(make([]byte, HeaderLen)); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestChunkSizeForMSS(t *testing.T) {
	if _, err := ChunkSizeForMSS(HeaderLen); err == nil {
		t.Fatalf("mss equal to header must be rejected")
	}
	if _, err := ChunkSizeForMSS(MaxSegmentSize + 1); err == nil {
		t.Fatalf("mss above max must be rejected")
	}
	got, err := ChunkSizeForMSS(30)
	if err != nil || got != 8 {
		t.Fatalf("ChunkSizeForMSS(30) = %d, %v", got, err)
	}
}

func TestPeekKind(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[4] = byte(KindAck)
	if k, ok := PeekKind(buf); !ok || k != KindAck {
		t.Fatalf("PeekKind = %v, %v", k, ok)
	}
	if _, ok := PeekKind(buf[:4]); ok {
		t.Fatalf("short buffer must not peek")
	}
}
