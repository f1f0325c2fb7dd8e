// Package dock implements the Newton dock protocol carried over an MNP
// link: the newtdock command envelope, the command set and the docking
// session that runs the handshake and dispatches commands.
package dock

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Prefix starts every command envelope.
const Prefix = "newtdock"

const (
	headerSize = len(Prefix) + 4 + 4

	// MaxPayload bounds the payload length accepted from the Newton
	MaxPayload = 16 << 20

	// DefaultChunkSize is how much of an envelope is handed to the link
	// per write
	DefaultChunkSize = 1024
)

// Name is a four-character command name.
type Name [4]byte

// ParseName converts s to a Name. s must be exactly four ASCII bytes.
func ParseName(s string) (Name, error) {
	var n Name
	if len(s) != 4 {
		return n, fmt.Errorf("command name %q is not 4 bytes", s)
	}
	for i := 0; i < 4; i++ {
		if s[i] >= 0x80 {
			return n, fmt.Errorf("command name %q is not ASCII", s)
		}
	}
	copy(n[:], s)
	return n, nil
}

// MustName is ParseName for names known to be valid.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	return string(n[:])
}

// Pad returns the number of zero bytes that follow a payload of length n.
func Pad(n int) int {
	return (4 - n%4) % 4
}

// Header is a decoded envelope header.
type Header struct {
	Name   Name
	Length uint32
}

// EncodeEnvelope returns the complete envelope for name and payload.
func EncodeEnvelope(name Name, payload []byte) []byte {
	out := make([]byte, 0, headerSize+len(payload)+3)
	out = append(out, Prefix...)
	out = append(out, name[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return append(out, make([]byte, Pad(len(payload)))...)
}

// ProgressFunc observes how many envelope bytes have been moved so far.
type ProgressFunc func(transferred, total int64)

// WriteEnvelope writes the envelope for name and payload to w in pieces of
// at most chunk bytes, reporting progress after each piece.
func WriteEnvelope(w io.Writer, name Name, payload []byte, chunk int, progress ProgressFunc) error {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	env := EncodeEnvelope(name, payload)
	total := int64(len(env))
	for off := 0; off < len(env); {
		end := min(off+chunk, len(env))
		if _, err := w.Write(env[off:end]); err != nil {
			return err
		}
		off = end
		if progress != nil {
			progress(int64(off), total)
		}
	}
	return nil
}

// ReadEnvelope reads an envelope header and returns a reader bounded to
// exactly the payload. The caller must consume the payload and then call
// SkipPadding.
func ReadEnvelope(r io.Reader) (Header, io.Reader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, nil, err
	}
	if !bytes.Equal(buf[:len(Prefix)], []byte(Prefix)) {
		return Header{}, nil, protocolError(Name{}, fmt.Sprintf("not a dock command: % x", buf[:len(Prefix)]), nil)
	}
	var h Header
	copy(h.Name[:], buf[len(Prefix):])
	h.Length = binary.BigEndian.Uint32(buf[len(Prefix)+4:])
	if h.Length > MaxPayload {
		return Header{}, nil, protocolError(h.Name, fmt.Sprintf("payload of %d bytes", h.Length), nil)
	}
	return h, io.LimitReader(r, int64(h.Length)), nil
}

// SkipPadding consumes the alignment bytes after a payload of length.
func SkipPadding(r io.Reader, length uint32) error {
	var pad [3]byte
	_, err := io.ReadFull(r, pad[:Pad(int(length))])
	return err
}

// ReadCommand reads one whole envelope and returns its header and payload.
func ReadCommand(r io.Reader) (Header, []byte, error) {
	return readCommand(r, nil)
}

// readCommand reads one envelope, reporting payload progress through fn.
func readCommand(r io.Reader, fn func(name Name, received, total int64)) (Header, []byte, error) {
	h, body, err := ReadEnvelope(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, 0, min(int(h.Length), 64<<10))
	buf := make([]byte, 4096)
	for len(payload) < int(h.Length) {
		n, err := body.Read(buf)
		payload = append(payload, buf[:n]...)
		if n > 0 && fn != nil {
			fn(h.Name, int64(len(payload)), int64(h.Length))
		}
		if err == io.EOF {
			return h, nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return h, nil, err
		}
	}
	if err := SkipPadding(r, h.Length); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, err
	}
	return h, payload, nil
}

// Resync discards input until the next envelope prefix and returns how
// many bytes it skipped.
func Resync(r *bufio.Reader) (int, error) {
	skipped := 0
	for {
		peek, err := r.Peek(len(Prefix))
		if err != nil {
			return skipped, err
		}
		if bytes.Equal(peek, []byte(Prefix)) {
			return skipped, nil
		}
		n := len(peek)
		if i := bytes.IndexByte(peek[1:], Prefix[0]); i >= 0 {
			n = i + 1
		}
		r.Discard(n)
		skipped += n
	}
}
