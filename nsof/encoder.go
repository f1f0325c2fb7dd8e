package nsof

import (
	"encoding/binary"
	"io"
	"unicode/utf16"
)

// Version is the NSOF version byte that starts every stream.
const Version = 2

// Object tags
const (
	tagImmediate        = 0
	tagCharacter        = 1
	tagUnicodeCharacter = 2
	tagBinary           = 3
	tagArray            = 4
	tagPlainArray       = 5
	tagFrame            = 6
	tagSymbol           = 7
	tagString           = 8
	tagPrecedent        = 9
	tagNil              = 10
	tagSmallRect        = 11
)

// MaxSymbolLength is the longest symbol name the format allows.
const MaxSymbolLength = 254

// AppendUTF16 appends s as big-endian UTF-16 followed by a null
// character.
func AppendUTF16(dst []byte, s string) []byte {
	for _, u := range utf16.Encode([]rune(s)) {
		dst = binary.BigEndian.AppendUint16(dst, u)
	}
	return append(dst, 0, 0)
}

// appendXLong appends v in the one-byte form when 0 <= v < 255 and as
// 0xFF plus a big-endian int32 otherwise.
func appendXLong(dst []byte, v int32) []byte {
	if v >= 0 && v < 0xFF {
		return append(dst, byte(v))
	}
	dst = append(dst, 0xFF)
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

type encoder struct {
	a   *Arena
	buf []byte
	ids map[Ref]int32
}

// Marshal encodes the graph rooted at root.
func Marshal(a *Arena, root Ref) ([]byte, error) {
	e := &encoder{a: a, buf: []byte{Version}, ids: make(map[Ref]int32)}
	if err := e.encode(root); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Encode writes the graph rooted at root to w. Nothing is written if the
// graph cannot be encoded.
func Encode(w io.Writer, a *Arena, root Ref) error {
	b, err := Marshal(a, root)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (e *encoder) encode(r Ref) error {
	switch {
	case r == Nil:
		e.buf = append(e.buf, tagNil)
		return nil
	case r.IsChar():
		c := r.CharValue()
		if c < 0x100 {
			e.buf = append(e.buf, tagCharacter, byte(c))
		} else {
			e.buf = append(e.buf, tagUnicodeCharacter)
			e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(c))
		}
		return nil
	case !r.IsPointer():
		e.buf = append(e.buf, tagImmediate)
		e.buf = appendXLong(e.buf, int32(r))
		return nil
	}

	if id, ok := e.ids[r]; ok {
		e.buf = append(e.buf, tagPrecedent)
		e.buf = appendXLong(e.buf, id)
		return nil
	}
	o := e.a.obj(r)
	if o == nil {
		return malformed(-1, "reference %s is not in the arena", r)
	}
	e.ids[r] = int32(len(e.ids))

	switch o.kind {
	case KindSymbol:
		if len(o.text) > MaxSymbolLength {
			return tooLong("symbol of %d characters", len(o.text))
		}
		for i := 0; i < len(o.text); i++ {
			if o.text[i] >= 0x80 {
				return malformed(-1, "symbol %q is not ASCII", o.text)
			}
		}
		e.buf = append(e.buf, tagSymbol)
		e.buf = appendXLong(e.buf, int32(len(o.text)))
		e.buf = append(e.buf, o.text...)

	case KindString:
		s := AppendUTF16(nil, o.text)
		e.buf = append(e.buf, tagString)
		e.buf = appendXLong(e.buf, int32(len(s)))
		e.buf = append(e.buf, s...)

	case KindBinary:
		e.buf = append(e.buf, tagBinary)
		e.buf = appendXLong(e.buf, int32(len(o.data)))
		if err := e.encode(o.class); err != nil {
			return err
		}
		e.buf = append(e.buf, o.data...)

	case KindArray:
		if o.class == Nil {
			e.buf = append(e.buf, tagPlainArray)
			e.buf = appendXLong(e.buf, int32(len(o.elems)))
		} else {
			e.buf = append(e.buf, tagArray)
			e.buf = appendXLong(e.buf, int32(len(o.elems)))
			if err := e.encode(o.class); err != nil {
				return err
			}
		}
		for _, el := range o.elems {
			if err := e.encode(el); err != nil {
				return err
			}
		}

	case KindFrame:
		if rect, ok := e.smallRect(o); ok {
			e.buf = append(e.buf, tagSmallRect)
			e.buf = append(e.buf, rect[:]...)
			return nil
		}
		e.buf = append(e.buf, tagFrame)
		e.buf = appendXLong(e.buf, int32(len(o.tags)))
		for _, t := range o.tags {
			if err := e.encode(t); err != nil {
				return err
			}
		}
		for _, v := range o.elems {
			if err := e.encode(v); err != nil {
				return err
			}
		}
	}
	return nil
}

var rectSlots = [4]string{"top", "left", "bottom", "right"}

// smallRect reports whether frame o is a bounds frame whose coordinates
// each fit in a byte.
func (e *encoder) smallRect(o *object) ([4]byte, bool) {
	var out [4]byte
	if len(o.tags) != 4 {
		return out, false
	}
	for i, name := range rectSlots {
		v := o.elems[i]
		if e.a.SymbolName(o.tags[i]) != name || !v.IsInt() || v.IntValue() < 0 || v.IntValue() > 0xFF {
			return out, false
		}
		out[i] = byte(v.IntValue())
	}
	return out, true
}
