package nsof

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf16"
)

const (
	// maxLength bounds any length or count read from a stream
	maxLength = 1 << 24
	// maxDepth bounds object nesting
	maxDepth = 1024
)

// ParseUTF16 decodes big-endian UTF-16, stopping at the first null
// character.
func ParseUTF16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", malformed(-1, "odd UTF-16 length %d", len(b))
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		u := binary.BigEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), nil
}

// byteReader reads one byte at a time so that no input past the end of
// the object graph is consumed.
type byteReader struct {
	r   io.Reader
	one [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.one[:])
	return b.one[0], err
}

type decoder struct {
	r          io.ByteReader
	off        int64
	a          *Arena
	precedents []Ref
	depth      int
}

// Unmarshal decodes one object graph from data.
func Unmarshal(data []byte) (*Arena, Ref, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one object graph from r into a new arena and returns its
// root.
func Decode(r io.Reader) (*Arena, Ref, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	d := &decoder{r: br, a: NewArena()}

	v, err := d.readByte()
	if err != nil {
		return nil, Nil, err
	}
	if v != Version {
		return nil, Nil, malformed(0, "unsupported version %d", v)
	}
	root, err := d.decode()
	if err != nil {
		return nil, Nil, err
	}
	return d.a, root, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, malformed(d.off, "truncated stream")
		}
		return 0, err
	}
	d.off++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	out := make([]byte, 0, min(n, 4096))
	for len(out) < n {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (d *decoder) xlong() (int32, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b < 0xFF {
		return int32(b), nil
	}
	buf, err := d.readBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

func (d *decoder) length() (int, error) {
	start := d.off
	n, err := d.xlong()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxLength {
		return 0, malformed(start, "length %d out of range", n)
	}
	return int(n), nil
}

// register gives r the next precedent index
func (d *decoder) register(r Ref) {
	d.precedents = append(d.precedents, r)
}

func (d *decoder) decode() (Ref, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return Nil, malformed(d.off, "objects nested deeper than %d", maxDepth)
	}

	start := d.off
	tag, err := d.readByte()
	if err != nil {
		return Nil, err
	}

	switch tag {
	case tagImmediate:
		v, err := d.xlong()
		if err != nil {
			return Nil, err
		}
		r := Ref(uint32(v))
		if r.IsPointer() {
			return Nil, malformed(start, "immediate %#x is a pointer", uint32(v))
		}
		return r, nil

	case tagCharacter:
		c, err := d.readByte()
		if err != nil {
			return Nil, err
		}
		return MakeChar(rune(c)), nil

	case tagUnicodeCharacter:
		b, err := d.readBytes(2)
		if err != nil {
			return Nil, err
		}
		return MakeChar(rune(binary.BigEndian.Uint16(b))), nil

	case tagNil:
		return Nil, nil

	case tagPrecedent:
		id, err := d.xlong()
		if err != nil {
			return Nil, err
		}
		if id < 0 || int(id) >= len(d.precedents) {
			return Nil, malformed(start, "precedent %d of %d", id, len(d.precedents))
		}
		return d.precedents[id], nil

	case tagSymbol:
		n, err := d.length()
		if err != nil {
			return Nil, err
		}
		if n > MaxSymbolLength {
			return Nil, malformed(start, "symbol of %d characters", n)
		}
		name, err := d.readBytes(n)
		if err != nil {
			return Nil, err
		}
		r := d.a.Symbol(string(name))
		d.register(r)
		return r, nil

	case tagString:
		n, err := d.length()
		if err != nil {
			return Nil, err
		}
		raw, err := d.readBytes(n)
		if err != nil {
			return Nil, err
		}
		s, err := ParseUTF16(raw)
		if err != nil {
			return Nil, malformed(start, "string: odd length %d", n)
		}
		r := d.a.NewString(s)
		d.register(r)
		return r, nil

	case tagBinary:
		n, err := d.length()
		if err != nil {
			return Nil, err
		}
		r := d.a.NewBinary(Nil, nil)
		d.register(r)
		o := d.a.obj(r)
		if o.class, err = d.decode(); err != nil {
			return Nil, err
		}
		if o.data, err = d.readBytes(n); err != nil {
			return Nil, err
		}
		return r, nil

	case tagArray, tagPlainArray:
		n, err := d.length()
		if err != nil {
			return Nil, err
		}
		r := d.a.NewArray(Nil)
		d.register(r)
		o := d.a.obj(r)
		if tag == tagArray {
			if o.class, err = d.decode(); err != nil {
				return Nil, err
			}
		}
		o.elems = make([]Ref, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			el, err := d.decode()
			if err != nil {
				return Nil, err
			}
			o.elems = append(o.elems, el)
		}
		return r, nil

	case tagFrame:
		n, err := d.length()
		if err != nil {
			return Nil, err
		}
		r := d.a.NewFrame()
		d.register(r)
		o := d.a.obj(r)
		o.tags = make([]Ref, 0, min(n, 1024))
		for i := 0; i < n; i++ {
			at := d.off
			t, err := d.decode()
			if err != nil {
				return Nil, err
			}
			if d.a.Kind(t) != KindSymbol {
				return Nil, malformed(at, "frame slot name is a %s", d.a.Kind(t))
			}
			o.tags = append(o.tags, t)
		}
		o.elems = make([]Ref, 0, len(o.tags))
		for i := 0; i < n; i++ {
			v, err := d.decode()
			if err != nil {
				return Nil, err
			}
			o.elems = append(o.elems, v)
		}
		return r, nil

	case tagSmallRect:
		b, err := d.readBytes(4)
		if err != nil {
			return Nil, err
		}
		r := d.a.NewRect(int16(b[0]), int16(b[1]), int16(b[2]), int16(b[3]))
		d.register(r)
		return r, nil

	default:
		return Nil, malformed(start, "unknown tag %d", tag)
	}
}
