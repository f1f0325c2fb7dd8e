// Package nsof implements Newton Streamed Object Format, the serialization
// of Newton object graphs used inside dock command payloads.
//
// Objects live in an Arena and are addressed by Ref, a 32-bit tagged cell
// laid out the way the Newton lays out its own object references:
// integers, characters and the constants nil and true are immediate; every
// other object is a pointer ref naming an arena slot.
package nsof

import "fmt"

// Ref is a tagged object reference.
//
//	...vvvvvv00  integer (30-bit signed)
//	...iiiiii01  pointer into an Arena
//	cccccccc0110 character (16-bit)
//	       0x02  nil
//	       0x1A  true
type Ref uint32

const (
	Nil  Ref = 0x02
	True Ref = 0x1A
)

const (
	MaxImmediateInt = 1<<29 - 1
	MinImmediateInt = -1 << 29
)

// MakeInt returns the immediate for v. ok is false if v does not fit in
// 30 bits; use Arena.NewInt for arbitrary values.
func MakeInt(v int32) (r Ref, ok bool) {
	if v > MaxImmediateInt || v < MinImmediateInt {
		return Nil, false
	}
	return Ref(uint32(v) << 2), true
}

// MakeChar returns the immediate for c, which must be in the BMP.
func MakeChar(c rune) Ref {
	return Ref(uint32(uint16(c))<<4 | 0x6)
}

// Bool returns True or Nil.
func Bool(b bool) Ref {
	if b {
		return True
	}
	return Nil
}

// IsInt reports whether r is an immediate integer.
func (r Ref) IsInt() bool { return r&3 == 0 }

// IsPointer reports whether r refers to an object in an Arena.
func (r Ref) IsPointer() bool { return r&3 == 1 }

// IsChar reports whether r is an immediate character.
func (r Ref) IsChar() bool { return r&0xF == 0x6 }

// IsNil reports whether r is Nil, which is also false.
func (r Ref) IsNil() bool { return r == Nil }

// IsImmediate reports whether r is not a pointer.
func (r Ref) IsImmediate() bool { return !r.IsPointer() }

// IntValue returns the value of an immediate integer.
func (r Ref) IntValue() int32 {
	return int32(r) >> 2
}

// CharValue returns the value of an immediate character.
func (r Ref) CharValue() rune {
	return rune(uint16(r >> 4))
}

func (r Ref) index() int {
	return int(r >> 2)
}

func pointerRef(index int) Ref {
	return Ref(uint32(index)<<2 | 1)
}

func (r Ref) String() string {
	switch {
	case r == Nil:
		return "nil"
	case r == True:
		return "true"
	case r.IsInt():
		return fmt.Sprint(r.IntValue())
	case r.IsChar():
		return fmt.Sprintf("$%c", r.CharValue())
	case r.IsPointer():
		return fmt.Sprintf("#%d", r.index())
	default:
		return fmt.Sprintf("imm:%#x", uint32(r))
	}
}
