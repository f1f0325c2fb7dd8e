package mnp

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/drunlade/go-ncu/internal/testsupport"
)

func frameBytes(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return buf.Bytes()
}

func TestFrameRoundTripWithDLE(t *testing.T) {
	body := []byte{0x02, 0x02, 0x01, DLE, 'a', DLE, DLE, ETX}
	raw := frameBytes(t, body)

	if !bytes.HasPrefix(raw, []byte{SYN, DLE, STX}) {
		t.Fatalf("frame does not start with SYN DLE STX: % x", raw)
	}
	// every body DLE is doubled
	if !bytes.Contains(raw, []byte{0x01, DLE, DLE, 'a', DLE, DLE, DLE, DLE, ETX}) {
		t.Fatalf("body not stuffed: % x", raw)
	}
	crc := Checksum(append(append([]byte(nil), body...), ETX))
	tail := raw[len(raw)-4:]
	if !bytes.Equal(tail, []byte{DLE, ETX, byte(crc), byte(crc >> 8)}) {
		t.Fatalf("unexpected trailer % x", tail)
	}

	got, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal(testsupport.ExpectedActual(body, got))
	}
}

func TestReadFrameSkipsGarbage(t *testing.T) {
	body := []byte{0x03, byte(LA), 0x07, 0x08}
	stream := append([]byte{0x00, SYN, SYN, DLE, 0x41, 'x'}, frameBytes(t, body)...)

	got, err := ReadFrame(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal(testsupport.ExpectedActual(body, got))
	}
}

func TestReadFrameCorruptThenRecover(t *testing.T) {
	bad := frameBytes(t, []byte{0x02, byte(LT), 0x01, 'h', 'i'})
	bad[len(bad)-1] ^= 0xFF
	good := []byte{0x02, byte(LT), 0x01, 'o', 'k'}
	r := bytes.NewReader(append(bad, frameBytes(t, good)...))

	if _, err := ReadFrame(r); !IsCorrupt(err) {
		t.Fatalf("expected corrupt frame, got %v", err)
	}
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("read after corrupt frame: %v", err)
	}
	if !bytes.Equal(got, good) {
		t.Fatal(testsupport.ExpectedActual(good, got))
	}
}

func TestReadFrameBadEscape(t *testing.T) {
	raw := []byte{SYN, DLE, STX, 0x02, DLE, 0x41, DLE, ETX, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(raw)); !IsCorrupt(err) {
		t.Fatalf("expected corrupt frame, got %v", err)
	}
}

func TestReadFrameEndOfStream(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF between frames, got %v", err)
	}

	raw := frameBytes(t, []byte{0x02, byte(LT), 0x01, 'x'})
	_, err := ReadFrame(bytes.NewReader(raw[:len(raw)-3]))
	if !errors.Is(err, ErrEndOfStream) || !IsDisconnected(err) {
		t.Fatalf("expected end of stream inside a frame, got %v", err)
	}
}

func TestReadFrameTooLong(t *testing.T) {
	body := bytes.Repeat([]byte{'z'}, maxFrameBody+1)
	_, err := ReadFrame(bytes.NewReader(frameBytes(t, body)))
	if !isKind(err, KindFrameTooLong) {
		t.Fatalf("expected frame too long, got %v", err)
	}
}
