package mnp

import "io"

// stuff returns body with every DLE doubled.
func stuff(body []byte) []byte {
	out := make([]byte, 0, len(body)+len(body)/16+1)
	for _, b := range body {
		if b == DLE {
			out = append(out, DLE, DLE)
			continue
		}
		out = append(out, b)
	}
	return out
}

// unstuffer reads a frame body, collapsing DLE DLE into DLE and stopping
// at DLE ETX.
type unstuffer struct {
	reader io.ByteReader
}

func newUnstuffer(reader io.ByteReader) *unstuffer {
	return &unstuffer{reader: reader}
}

// next returns the next body byte. done is true when DLE ETX was seen.
func (u *unstuffer) next() (b byte, done bool, err error) {
	b, err = u.reader.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if b != DLE {
		return b, false, nil
	}

	b, err = u.reader.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch b {
	case DLE:
		return DLE, false, nil
	case ETX:
		return 0, true, nil
	default:
		return 0, false, NewError(KindCorruptFrame, "bad escape sequence")
	}
}
