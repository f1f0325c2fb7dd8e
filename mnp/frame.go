package mnp

import (
	"errors"
	"fmt"
	"io"
)

// frameStart opens every frame
var frameStart = []byte{SYN, DLE, STX}

// WriteFrame writes body as one frame: SYN DLE STX, the DLE-stuffed body,
// DLE ETX and the FCS little-endian. The FCS covers the unstuffed body and
// the ETX octet. The frame is handed to w in a single Write.
func WriteFrame(w io.Writer, body []byte) error {
	var fcs FCS
	fcs.Update(body)
	fcs.UpdateByte(ETX)
	crc := fcs.Sum16()

	stuffed := stuff(body)
	buf := make([]byte, 0, len(frameStart)+len(stuffed)+4)
	buf = append(buf, frameStart...)
	buf = append(buf, stuffed...)
	buf = append(buf, DLE, ETX, byte(crc), byte(crc>>8))

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame from r and returns its unstuffed body.
//
// Bytes before SYN DLE STX are skipped. A checksum mismatch or an illegal
// escape yields a KindCorruptFrame error; the caller may keep reading. If
// the stream ends inside a frame ErrEndOfStream is returned; if it ends
// between frames the underlying io.EOF is returned.
func ReadFrame(r io.ByteReader) ([]byte, error) {
	if err := huntStart(r); err != nil {
		return nil, err
	}

	body := make([]byte, 0, 64)
	u := newUnstuffer(r)
	for {
		b, done, err := u.next()
		if err != nil {
			return nil, endOfStream(err)
		}
		if done {
			break
		}
		if len(body) >= maxFrameBody {
			return nil, NewError(KindFrameTooLong, fmt.Sprintf("frame body exceeds %d bytes", maxFrameBody))
		}
		body = append(body, b)
	}

	lo, err := r.ReadByte()
	if err != nil {
		return nil, endOfStream(err)
	}
	hi, err := r.ReadByte()
	if err != nil {
		return nil, endOfStream(err)
	}

	var fcs FCS
	fcs.Update(body)
	fcs.UpdateByte(ETX)
	if got, want := uint16(lo)|uint16(hi)<<8, fcs.Sum16(); got != want {
		return nil, NewError(KindCorruptFrame, fmt.Sprintf("bad FCS: got %04x, computed %04x", got, want))
	}
	return body, nil
}

// huntStart consumes bytes until SYN DLE STX has been read.
func huntStart(r io.ByteReader) error {
	matched := 0
	for skipped := 0; ; skipped++ {
		if skipped > maxGarbage {
			return NewError(KindCorruptFrame, "garbage count exceeded")
		}
		b, err := r.ReadByte()
		if err != nil {
			if matched > 0 {
				return endOfStream(err)
			}
			return err
		}
		switch {
		case b == frameStart[matched]:
			matched++
			if matched == len(frameStart) {
				return nil
			}
		case b == SYN:
			matched = 1
		default:
			matched = 0
		}
	}
}

// endOfStream maps a mid-frame EOF onto ErrEndOfStream.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return err
}
