// Package mnp implements the simplified MNP (Microcom Networking Protocol)
// link layer spoken by the Newton over its serial port.
//
// Every link packet travels in a DLE-framed, FCS-16 protected frame. The
// package provides the checksum, the packet model, the framer and a Pipe
// that owns the link handshake, sequence numbers, the credit window,
// retransmission and disconnection. Above the Pipe the link looks like an
// ordered byte stream.
package mnp

// Frame control characters
const (
	// SYN starts every frame
	SYN = 0x16

	// DLE is the data link escape; doubled inside a frame body
	DLE = 0x10

	// STX follows SYN DLE at the start of a frame
	STX = 0x02

	// ETX follows DLE at the end of a frame
	ETX = 0x03
)

// PacketType identifies one of the four link packet kinds.
type PacketType byte

// Link packet types
const (
	LR PacketType = 1 // Link Request
	LT PacketType = 2 // Link Transfer
	LA PacketType = 4 // Link Acknowledgement
	LD PacketType = 5 // Link Disconnect
)

func (t PacketType) String() string {
	switch t {
	case LR:
		return "LR"
	case LT:
		return "LT"
	case LA:
		return "LA"
	case LD:
		return "LD"
	default:
		return "UNKNOWN"
	}
}

// Link Request parameter types
const (
	lrParamConstant     = 0x01
	lrParamFramingMode  = 0x02
	lrParamOutstanding  = 0x03
	lrParamInfoLength   = 0x04
	lrParamDataPhaseOpt = 0x08
)

// Link Disconnect parameter types
const (
	ldParamReason = 0x01
	ldParamUser   = 0x02
)

// Disconnect reason codes carried in LD packets
const (
	ReasonProtocolEstablishment byte = 0x01 // Protocol establishment phase error
	ReasonBadLR                 byte = 0x02 // LR constant parameter 1 contains an unexpected value
	ReasonIncompatible          byte = 0x03 // LR parameter 2 (framing mode) incompatible
	ReasonRetransmitLimit       byte = 0x04 // Retransmission limit reached
	ReasonInactivity            byte = 0x05 // Inactivity timer expired
	ReasonUser                  byte = 0xFF // User requested disconnect
)

// ReasonName returns a human-readable name for a disconnect reason code.
func ReasonName(reason byte) string {
	switch reason {
	case ReasonProtocolEstablishment:
		return "protocol establishment"
	case ReasonBadLR:
		return "bad link request"
	case ReasonIncompatible:
		return "incompatible framing"
	case ReasonRetransmitLimit:
		return "retransmit limit"
	case ReasonInactivity:
		return "inactivity"
	case ReasonUser:
		return "user"
	default:
		return "unknown"
	}
}

// Defaults negotiated in the Link Request
const (
	// DefaultFramingMode is octet-oriented framing
	DefaultFramingMode = 0x02

	// DefaultDataPhaseOpt enables the fixed LT/LA field optimisation
	DefaultDataPhaseOpt = 0x03

	// DefaultMaxOutstanding is the credit window we offer
	DefaultMaxOutstanding = 8

	// DefaultMaxInfoLength is the largest LT data field we offer
	DefaultMaxInfoLength = 256

	// maxFrameBody bounds a frame body (header + data) on receive
	maxFrameBody = 4096

	// maxGarbage bounds the number of bytes skipped while hunting for SYN DLE STX
	maxGarbage = 8192
)

// lrConstantHead is the fixed octet following the LR type field
const lrConstantHead = 0x02

// defaultConstant is the value of constant parameter 1 of a Link Request
var defaultConstant = []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0xFF}
