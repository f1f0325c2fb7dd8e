package nsof

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/drunlade/go-ncu/internal/testsupport"
)

func roundTrip(t *testing.T, a *Arena, root Ref) (*Arena, Ref) {
	t.Helper()
	data, err := Marshal(a, root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, r, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal % x: %v", data, err)
	}
	return b, r
}

func TestEncodeBytes(t *testing.T) {
	a := NewArena()
	s := a.NewString("hi")
	neg, _ := MakeInt(-5)
	cases := []struct {
		name string
		root Ref
		want []byte
	}{
		{"nil", Nil, []byte{2, 10}},
		{"true", True, []byte{2, 0, 0x1A}},
		{"small int", a.NewInt(7), []byte{2, 0, 28}},
		{"negative int", neg, []byte{2, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xEC}},
		{"char", MakeChar('A'), []byte{2, 1, 'A'}},
		{"unicode char", MakeChar('€'), []byte{2, 2, 0x20, 0xAC}},
		{"shared string", a.NewArray(Nil, s, s), []byte{2, 5, 2, 8, 6, 0, 'h', 0, 'i', 0, 0, 9, 1}},
		{"symbol", a.Symbol("name"), []byte{2, 7, 4, 'n', 'a', 'm', 'e'}},
		{"small rect", a.NewRect(1, 2, 3, 4), []byte{2, 11, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(a, tc.root)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatal(testsupport.ExpectedActual(tc.want, got))
			}
		})
	}
}

func TestSelfContainingFrame(t *testing.T) {
	a := NewArena()
	f := a.NewFrame()
	a.SetSlot(f, "name", a.NewString(randomdata.SillyName()))
	a.SetSlot(f, "self", f)

	b, root := roundTrip(t, a, f)
	if b.Kind(root) != KindFrame {
		t.Fatal(testsupport.ExpectedActual(KindFrame, b.Kind(root)))
	}
	if b.Get(root, "self") != root {
		t.Fatalf("self slot does not refer back to the decoded frame")
	}
	if !a.Equal(f, b, root) {
		t.Fatalf("decoded frame differs: %s", b.Format(root))
	}
}

func TestSharedIdentityPreserved(t *testing.T) {
	a := NewArena()
	shared := a.NewFrame()
	a.SetSlot(shared, "kind", a.Symbol("store"))
	outer := a.NewArray(a.Symbol("stores"), shared, shared, a.Symbol("stores"))

	b, root := roundTrip(t, a, outer)
	elems := b.Elems(root)
	if len(elems) != 3 {
		t.Fatalf("unexpected element count %d", len(elems))
	}
	if elems[0] != elems[1] {
		t.Fatalf("shared frame decoded as two objects")
	}
	if elems[2] != b.Class(root) {
		t.Fatalf("repeated symbol not shared with the class")
	}
}

func TestDecodeRejects(t *testing.T) {
	for name, data := range map[string][]byte{
		"bad precedent":  {2, 5, 1, 9, 5},
		"unknown tag":    {2, 12},
		"bad version":    {1, 10},
		"truncated":      {2, 8, 6, 0, 'h'},
		"empty":          {},
		"pointer imm":    {2, 0, 0x05},
		"frame tag":      {2, 6, 1, 10, 10},
		"odd string":     {2, 8, 3, 0, 'h', 0},
		"negative count": {2, 5, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	} {
		if _, _, err := Unmarshal(data); !IsMalformed(err) {
			t.Fatalf("%s: expected malformed stream, got %v", name, err)
		}
	}
}

func TestDecodeDepthLimit(t *testing.T) {
	data := []byte{2}
	for i := 0; i < maxDepth+10; i++ {
		data = append(data, tagPlainArray, 1)
	}
	data = append(data, tagNil)
	if _, _, err := Unmarshal(data); !IsMalformed(err) {
		t.Fatalf("expected malformed stream, got %v", err)
	}
}

func TestSymbolTooLongWritesNothing(t *testing.T) {
	a := NewArena()
	f := a.NewFrame()
	a.SetSlot(f, "ok", a.NewString("fine"))
	a.SetSlot(f, strings.Repeat("s", MaxSymbolLength+1), True)

	var buf bytes.Buffer
	err := Encode(&buf, a, f)
	if !IsTooLong(err) {
		t.Fatalf("expected value too long, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes written despite the error", buf.Len())
	}

	a.SetSlot(f, "ok", a.Symbol(strings.Repeat("s", MaxSymbolLength)))
	if _, err := Marshal(a, a.Get(f, "ok")); err != nil {
		t.Fatalf("symbol at the limit: %v", err)
	}
}

func TestLargeIntegersAndReals(t *testing.T) {
	a := NewArena()
	big := a.NewInt(1 << 30)
	if a.Kind(big) != KindBinary || a.SymbolName(a.Class(big)) != "int32" {
		t.Fatalf("large integer not boxed: %s", a.Format(big))
	}
	small := a.NewInt(MaxImmediateInt)
	if !small.IsInt() {
		t.Fatalf("%d should be immediate", MaxImmediateInt)
	}
	arr := a.NewArray(Nil, big, small, a.NewReal(3.25), a.NewInt(-1<<31))

	b, root := roundTrip(t, a, arr)
	elems := b.Elems(root)
	if v, ok := b.Int(elems[0]); !ok || v != 1<<30 {
		t.Fatal(testsupport.ExpectedActual(int32(1<<30), v))
	}
	if v, ok := b.Int(elems[1]); !ok || v != MaxImmediateInt {
		t.Fatal(testsupport.ExpectedActual(int32(MaxImmediateInt), v))
	}
	if v, ok := b.Real(elems[2]); !ok || v != 3.25 {
		t.Fatal(testsupport.ExpectedActual(3.25, v))
	}
	if v, ok := b.Int(elems[3]); !ok || v != -1<<31 {
		t.Fatal(testsupport.ExpectedActual(int32(-1<<31), v))
	}
}

func TestRectsAndIcons(t *testing.T) {
	a := NewArena()
	wide := a.NewRect(0, 0, 300, 10)
	icon := a.NewIcon(a.NewRect(0, 0, 32, 32), bytes.Repeat([]byte{0xAA}, 128), nil)
	root := a.NewArray(Nil, wide, icon)

	data, err := Marshal(a, root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Count(data, []byte{tagSmallRect}) < 1 {
		t.Fatalf("icon bounds not written as a small rect: % x", data)
	}
	b, r, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(root, b, r) {
		t.Fatalf("rects differ: %s", b.Format(r))
	}
	if got := b.GetInt(b.Elems(r)[0], "bottom"); got != 300 {
		t.Fatal(testsupport.ExpectedActual(int32(300), got))
	}
	if got := b.Slots(b.Elems(r)[1]); len(got) != 2 || got[0] != "bounds" || got[1] != "bits" {
		t.Fatalf("unexpected icon slots %v", got)
	}
}

func TestRandomGraphRoundTrip(t *testing.T) {
	a := NewArena()
	entries := make([]Ref, 0, 20)
	for i := 0; i < 20; i++ {
		e := a.NewFrame()
		a.SetSlot(e, "name", a.NewString(randomdata.SillyName()))
		a.SetSlot(e, "kind", a.Symbol(randomdata.Noun()))
		a.SetSlot(e, "size", a.NewInt(int32(randomdata.Number(0, 1<<31-1))))
		a.SetSlot(e, "note", a.NewString(randomdata.Adjective()+" "+randomdata.Noun()))
		a.SetSlot(e, "initial", MakeChar(rune(randomdata.Number('A', 'Z'))))
		entries = append(entries, e)
	}
	soup := a.NewArray(a.Symbol("entries"), entries...)

	b, root := roundTrip(t, a, soup)
	if !a.Equal(soup, b, root) {
		t.Fatalf("graph differs after round trip")
	}
}

func TestDates(t *testing.T) {
	if !TimeFromMinutes(0).Equal(Epoch) {
		t.Fatal(testsupport.ExpectedActual(Epoch, TimeFromMinutes(0)))
	}
	y2k := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
	if got := MinutesFromTime(y2k); got != 50492160 {
		t.Fatal(testsupport.ExpectedActual(int32(50492160), got))
	}
	when := time.Date(1996, time.March, 4, 9, 41, 59, 0, time.UTC)
	if got := TimeFromMinutes(MinutesFromTime(when)); !got.Equal(when.Truncate(time.Minute)) {
		t.Fatal(testsupport.ExpectedActual(when.Truncate(time.Minute), got))
	}
}
