package mnp

import (
	"io"
	"sync"
)

// linkIO provides buffered byte reads and serialised frame writes over the
// transport owned by a Pipe.
type linkIO struct {
	reader io.Reader
	writer io.Writer
	rbuf   []byte
	rpos   int
	rleft  int

	// wmu serialises whole frames onto the transport
	wmu sync.Mutex
}

// newLinkIO creates a new link I/O handler reading bufsize bytes at a time.
func newLinkIO(rw io.ReadWriter, bufsize int) *linkIO {
	if bufsize <= 0 {
		bufsize = 512
	}
	return &linkIO{
		reader: rw,
		writer: rw,
		rbuf:   make([]byte, bufsize),
	}
}

// ReadByte implements io.ByteReader. It blocks until the transport yields
// at least one byte or fails.
func (l *linkIO) ReadByte() (byte, error) {
	if l.rleft > 0 {
		b := l.rbuf[l.rpos]
		l.rpos++
		l.rleft--
		return b, nil
	}

	for {
		n, err := l.reader.Read(l.rbuf)
		if n > 0 {
			l.rpos = 1
			l.rleft = n - 1
			return l.rbuf[0], nil
		}
		if err != nil {
			return 0, err
		}
		// zero-length read without error: try again
	}
}

// readFrame reads and validates the next frame body.
func (l *linkIO) readFrame() ([]byte, error) {
	return ReadFrame(l)
}

// writeFrame frames body and writes it atomically with respect to other
// writers.
func (l *linkIO) writeFrame(body []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return WriteFrame(l.writer, body)
}
