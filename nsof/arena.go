package nsof

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind classifies a Ref.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindChar
	KindNil
	KindTrue
	KindImmediate // any other immediate
	KindBinary
	KindString
	KindSymbol
	KindArray
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindChar:
		return "char"
	case KindNil:
		return "nil"
	case KindTrue:
		return "true"
	case KindImmediate:
		return "immediate"
	case KindBinary:
		return "binary"
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	case KindArray:
		return "array"
	case KindFrame:
		return "frame"
	default:
		return "invalid"
	}
}

// object is one heap object. Which fields are used depends on kind.
type object struct {
	kind  Kind
	class Ref    // binary and array class; Nil for a plain array
	text  string // string contents or symbol name
	data  []byte // binary contents
	elems []Ref  // array elements, or frame slot values
	tags  []Ref  // frame slot names (symbols), parallel to elems
}

// Arena owns a graph of objects. The zero value is not usable; create one
// with NewArena. An Arena is not safe for concurrent mutation.
type Arena struct {
	objs    []*object
	symbols map[string]Ref
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{symbols: make(map[string]Ref)}
}

func (a *Arena) alloc(o *object) Ref {
	a.objs = append(a.objs, o)
	return pointerRef(len(a.objs) - 1)
}

func (a *Arena) obj(r Ref) *object {
	if !r.IsPointer() {
		return nil
	}
	i := r.index()
	if i < 0 || i >= len(a.objs) {
		return nil
	}
	return a.objs[i]
}

// Len returns the number of heap objects in the arena.
func (a *Arena) Len() int {
	return len(a.objs)
}

// Kind classifies r.
func (a *Arena) Kind(r Ref) Kind {
	switch {
	case r == Nil:
		return KindNil
	case r == True:
		return KindTrue
	case r.IsInt():
		return KindInt
	case r.IsChar():
		return KindChar
	case r.IsPointer():
		if o := a.obj(r); o != nil {
			return o.kind
		}
		return KindInvalid
	default:
		return KindImmediate
	}
}

// Symbol returns the interned symbol called name.
func (a *Arena) Symbol(name string) Ref {
	if r, ok := a.symbols[name]; ok {
		return r
	}
	r := a.alloc(&object{kind: KindSymbol, text: name})
	a.symbols[name] = r
	return r
}

// NewString allocates a string.
func (a *Arena) NewString(s string) Ref {
	return a.alloc(&object{kind: KindString, text: s})
}

// NewBinary allocates a binary object of the given class. data is not
// copied.
func (a *Arena) NewBinary(class Ref, data []byte) Ref {
	return a.alloc(&object{kind: KindBinary, class: class, data: data})
}

// NewArray allocates an array. A Nil class makes a plain array.
func (a *Arena) NewArray(class Ref, elems ...Ref) Ref {
	return a.alloc(&object{kind: KindArray, class: class, elems: append([]Ref(nil), elems...)})
}

// NewFrame allocates an empty frame.
func (a *Arena) NewFrame() Ref {
	return a.alloc(&object{kind: KindFrame})
}

// SetSlot sets slot name of frame to v. New slots keep insertion order.
func (a *Arena) SetSlot(frame Ref, name string, v Ref) {
	o := a.obj(frame)
	if o == nil || o.kind != KindFrame {
		panic(fmt.Sprintf("nsof: SetSlot on %s", a.Kind(frame)))
	}
	tag := a.Symbol(name)
	for i, t := range o.tags {
		if t == tag {
			o.elems[i] = v
			return
		}
	}
	o.tags = append(o.tags, tag)
	o.elems = append(o.elems, v)
}

// NewInt returns v as an immediate when it fits in 30 bits and as a
// binary object of class 'int32 otherwise.
func (a *Arena) NewInt(v int32) Ref {
	if r, ok := MakeInt(v); ok {
		return r
	}
	data := binary.BigEndian.AppendUint32(nil, uint32(v))
	return a.NewBinary(a.Symbol("int32"), data)
}

// NewReal allocates a binary object of class 'real holding v.
func (a *Arena) NewReal(v float64) Ref {
	data := binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
	return a.NewBinary(a.Symbol("real"), data)
}

// NewRect allocates a bounds frame.
func (a *Arena) NewRect(top, left, bottom, right int16) Ref {
	f := a.NewFrame()
	a.SetSlot(f, "top", a.NewInt(int32(top)))
	a.SetSlot(f, "left", a.NewInt(int32(left)))
	a.SetSlot(f, "bottom", a.NewInt(int32(bottom)))
	a.SetSlot(f, "right", a.NewInt(int32(right)))
	return f
}

// NewIcon allocates an icon frame: its bounds, bitmap bits and optional
// mask.
func (a *Arena) NewIcon(bounds Ref, bits, mask []byte) Ref {
	f := a.NewFrame()
	a.SetSlot(f, "bounds", bounds)
	a.SetSlot(f, "bits", a.NewBinary(a.Symbol("bits"), bits))
	if mask != nil {
		a.SetSlot(f, "mask", a.NewBinary(a.Symbol("mask"), mask))
	}
	return f
}

// Int returns the integer value of r, which may be an immediate or an
// 'int32 binary.
func (a *Arena) Int(r Ref) (int32, bool) {
	if r.IsInt() {
		return r.IntValue(), true
	}
	o := a.obj(r)
	if o == nil || o.kind != KindBinary || len(o.data) != 4 || a.SymbolName(o.class) != "int32" {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(o.data)), true
}

// Real returns the value of a 'real binary.
func (a *Arena) Real(r Ref) (float64, bool) {
	o := a.obj(r)
	if o == nil || o.kind != KindBinary || len(o.data) != 8 || a.SymbolName(o.class) != "real" {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(o.data)), true
}

// Str returns the contents of a string.
func (a *Arena) Str(r Ref) (string, bool) {
	o := a.obj(r)
	if o == nil || o.kind != KindString {
		return "", false
	}
	return o.text, true
}

// SymbolName returns the name of a symbol, or "" if r is not one.
func (a *Arena) SymbolName(r Ref) string {
	o := a.obj(r)
	if o == nil || o.kind != KindSymbol {
		return ""
	}
	return o.text
}

// Class returns the class of a binary or array.
func (a *Arena) Class(r Ref) Ref {
	o := a.obj(r)
	if o == nil || (o.kind != KindBinary && o.kind != KindArray) {
		return Nil
	}
	return o.class
}

// Bytes returns the contents of a binary object.
func (a *Arena) Bytes(r Ref) []byte {
	o := a.obj(r)
	if o == nil || o.kind != KindBinary {
		return nil
	}
	return o.data
}

// Elems returns the elements of an array.
func (a *Arena) Elems(r Ref) []Ref {
	o := a.obj(r)
	if o == nil || o.kind != KindArray {
		return nil
	}
	return o.elems
}

// Slots returns a frame's slot names in order.
func (a *Arena) Slots(r Ref) []string {
	o := a.obj(r)
	if o == nil || o.kind != KindFrame {
		return nil
	}
	names := make([]string, len(o.tags))
	for i, t := range o.tags {
		names[i] = a.SymbolName(t)
	}
	return names
}

// Get returns slot name of frame r, or Nil if there is no such slot.
func (a *Arena) Get(r Ref, name string) Ref {
	o := a.obj(r)
	if o == nil || o.kind != KindFrame {
		return Nil
	}
	for i, t := range o.tags {
		if a.SymbolName(t) == name {
			return o.elems[i]
		}
	}
	return Nil
}

// GetString is Get followed by Str.
func (a *Arena) GetString(r Ref, name string) string {
	s, _ := a.Str(a.Get(r, name))
	return s
}

// GetInt is Get followed by Int.
func (a *Arena) GetInt(r Ref, name string) int32 {
	v, _ := a.Int(a.Get(r, name))
	return v
}

// Equal reports whether x and y are structurally equal. Symbols compare by
// name; cycles are handled.
func (a *Arena) Equal(x Ref, b *Arena, y Ref) bool {
	return equal(a, x, b, y, make(map[[2]Ref]bool))
}

func equal(a *Arena, x Ref, b *Arena, y Ref, seen map[[2]Ref]bool) bool {
	if x.IsImmediate() || y.IsImmediate() {
		return x == y
	}
	key := [2]Ref{x, y}
	if seen[key] {
		return true
	}
	seen[key] = true

	ox, oy := a.obj(x), b.obj(y)
	if ox == nil || oy == nil || ox.kind != oy.kind {
		return false
	}
	switch ox.kind {
	case KindSymbol, KindString:
		return ox.text == oy.text
	case KindBinary:
		return string(ox.data) == string(oy.data) && equal(a, ox.class, b, oy.class, seen)
	case KindArray:
		if len(ox.elems) != len(oy.elems) || !equal(a, ox.class, b, oy.class, seen) {
			return false
		}
		for i := range ox.elems {
			if !equal(a, ox.elems[i], b, oy.elems[i], seen) {
				return false
			}
		}
		return true
	case KindFrame:
		if len(ox.tags) != len(oy.tags) {
			return false
		}
		for i := range ox.tags {
			if a.SymbolName(ox.tags[i]) != b.SymbolName(oy.tags[i]) ||
				!equal(a, ox.elems[i], b, oy.elems[i], seen) {
				return false
			}
		}
		return true
	}
	return false
}

// Format renders r as NewtonScript-like text, for logs and tools.
func (a *Arena) Format(r Ref) string {
	var sb strings.Builder
	a.format(&sb, r, make(map[Ref]bool))
	return sb.String()
}

func (a *Arena) format(sb *strings.Builder, r Ref, open map[Ref]bool) {
	if !r.IsPointer() {
		sb.WriteString(r.String())
		return
	}
	if open[r] {
		sb.WriteString("<cycle>")
		return
	}
	o := a.obj(r)
	if o == nil {
		sb.WriteString("<invalid>")
		return
	}
	open[r] = true
	defer delete(open, r)

	switch o.kind {
	case KindSymbol:
		sb.WriteString("'" + o.text)
	case KindString:
		fmt.Fprintf(sb, "%q", o.text)
	case KindBinary:
		if v, ok := a.Int(r); ok {
			fmt.Fprint(sb, v)
		} else if v, ok := a.Real(r); ok {
			fmt.Fprint(sb, v)
		} else {
			fmt.Fprintf(sb, "<binary %s, %d bytes>", a.SymbolName(o.class), len(o.data))
		}
	case KindArray:
		sb.WriteString("[")
		if o.class != Nil {
			a.format(sb, o.class, open)
			sb.WriteString(": ")
		}
		for i, e := range o.elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			a.format(sb, e, open)
		}
		sb.WriteString("]")
	case KindFrame:
		sb.WriteString("{")
		for i, t := range o.tags {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.SymbolName(t) + ": ")
			a.format(sb, o.elems[i], open)
		}
		sb.WriteString("}")
	}
}
