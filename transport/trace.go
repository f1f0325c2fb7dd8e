package transport

import (
	"io"

	"github.com/rs/zerolog"
)

// traceLimit caps how many bytes of a chunk are logged
const traceLimit = 128

// Traced wraps a duplex stream and logs every read and write at trace
// level. Close is forwarded when the wrapped stream has one.
type Traced struct {
	rw   io.ReadWriter
	log  *zerolog.Logger
	name string
}

// Trace returns rw wrapped so that its traffic is logged under name.
func Trace(rw io.ReadWriter, log *zerolog.Logger, name string) *Traced {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Traced{rw: rw, log: log, name: name}
}

func (t *Traced) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if n > 0 {
		t.event("read", p[:n])
	}
	if err != nil && err != io.EOF {
		t.log.Debug().Str("stream", t.name).Err(err).Msg("read error")
	}
	return n, err
}

func (t *Traced) Write(p []byte) (int, error) {
	n, err := t.rw.Write(p)
	if n > 0 {
		t.event("write", p[:n])
	}
	if err != nil {
		t.log.Debug().Str("stream", t.name).Err(err).Msg("write error")
	}
	return n, err
}

func (t *Traced) Close() error {
	if c, ok := t.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (t *Traced) event(dir string, data []byte) {
	ev := t.log.Trace()
	if !ev.Enabled() {
		return
	}
	shown := data
	if len(shown) > traceLimit {
		shown = shown[:traceLimit]
	}
	ev.Str("stream", t.name).
		Int("len", len(data)).
		Hex("data", shown).
		Bool("truncated", len(data) > traceLimit).
		Msg(dir)
}
