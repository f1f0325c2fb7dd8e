package dock

import (
	"unicode/utf16"

	"github.com/drunlade/go-ncu/nsof"
)

// EncodeUTF16 returns s as big-endian UTF-16 with a null terminator.
func EncodeUTF16(s string) []byte {
	return nsof.AppendUTF16(nil, s)
}

// DecodeUTF16 decodes big-endian UTF-16 up to the first null.
func DecodeUTF16(b []byte) (string, error) {
	return nsof.ParseUTF16(b)
}

// UTF16Len returns the number of UTF-16 code units in s, excluding any
// terminator.
func UTF16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// AppendAligned pads b with zeros to a multiple of four bytes.
func AppendAligned(b []byte) []byte {
	return append(b, make([]byte, Pad(len(b)))...)
}
