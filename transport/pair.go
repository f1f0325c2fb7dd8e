// Package transport provides the duplex byte streams a Newton link runs
// over: an SSH-bridged serial line, a TCP socket exposed by an emulator or
// serial server, and an in-memory pair for tests and simulation.
package transport

import (
	"io"
	"sync"
)

// pipeBuffer is one direction of a Pair. Writes never block.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *pipeBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// End is one side of an in-memory duplex stream.
type End struct {
	in  *pipeBuffer
	out *pipeBuffer

	// Tap, if set, sees every chunk written by this end and returns what
	// is actually delivered. Tests use it to drop or corrupt bytes.
	tapMu sync.Mutex
	tap   func([]byte) []byte
}

// Pair returns two connected ends. Bytes written to one are read from the
// other. Closing either end closes both directions.
func Pair() (*End, *End) {
	ab, ba := newPipeBuffer(), newPipeBuffer()
	return &End{in: ba, out: ab}, &End{in: ab, out: ba}
}

func (e *End) Read(p []byte) (int, error) {
	return e.in.read(p)
}

func (e *End) Write(p []byte) (int, error) {
	e.tapMu.Lock()
	tap := e.tap
	e.tapMu.Unlock()
	if tap != nil {
		if _, err := e.out.write(tap(append([]byte(nil), p...))); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return e.out.write(p)
}

// SetTap installs fn as the write filter for this end; nil removes it.
func (e *End) SetTap(fn func([]byte) []byte) {
	e.tapMu.Lock()
	e.tap = fn
	e.tapMu.Unlock()
}

func (e *End) Close() error {
	e.in.close()
	e.out.close()
	return nil
}
