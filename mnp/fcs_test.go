package mnp

import (
	"bytes"
	"testing"

	"github.com/drunlade/go-ncu/internal/testsupport"
)

func TestChecksumCheckValue(t *testing.T) {
	// CRC-16/ARC check value
	if got := Checksum([]byte("123456789")); got != 0xBB3D {
		t.Fatal(testsupport.ExpectedActual(uint16(0xBB3D), got))
	}
	if got := Checksum(nil); got != 0 {
		t.Fatal(testsupport.ExpectedActual(uint16(0), got))
	}
}

func TestFCSIncremental(t *testing.T) {
	data := []byte("newtdock\x10\x02\x03 incremental")
	var f FCS
	for _, b := range data[:5] {
		f.UpdateByte(b)
	}
	f.Update(data[5:12])
	if _, err := f.Write(data[12:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f.Sum16() != Checksum(data) {
		t.Fatal(testsupport.ExpectedActual(Checksum(data), f.Sum16()))
	}

	f.Reset()
	if f.Sum16() != 0 {
		t.Fatalf("reset did not clear the accumulator")
	}
}

func TestChecksumDetectsEverySingleBitFlip(t *testing.T) {
	body, err := NewTransfer(7, []byte("newtdocklpkg\x00\x00\x00\x04\x10\x02\x03\xff")).MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := Checksum(body)
	for i := range body {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), body...)
			flipped[i] ^= 1 << bit
			if Checksum(flipped) == want {
				t.Fatalf("flipping bit %d of byte %d left the FCS at %04x", bit, i, want)
			}
		}
	}
}

func TestReadFrameRejectsEverySingleBitFlip(t *testing.T) {
	body := []byte{0x02, byte(LT), 0x01, 'o', 'k', DLE}
	good := frameBytes(t, body)
	fcs := good[len(good)-2:]

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), body...)
			flipped[i] ^= 1 << bit
			raw := frameBytes(t, flipped)
			copy(raw[len(raw)-2:], fcs)
			if _, err := ReadFrame(bytes.NewReader(raw)); !IsCorrupt(err) {
				t.Fatalf("bit %d of byte %d: expected corrupt frame, got %v", bit, i, err)
			}
		}
	}
}
