package mnp

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
)

// Packet is one link packet. Which fields are meaningful depends on Type.
type Packet struct {
	Type PacketType

	// HeaderLength is the header length octet as read from the wire.
	// It is recomputed by MarshalBinary.
	HeaderLength byte

	// Transmitted is false until the packet has been written once.
	// It is local bookkeeping for retransmission and never goes on the wire.
	Transmitted bool

	// LR fields
	DataPhaseOpt   byte
	FramingMode    byte
	MaxOutstanding byte
	MaxInfoLength  uint16
	Constant       []byte

	// LT and LA fields
	Sequence byte

	// LT field: one fragment of the outbound byte stream
	Data []byte

	// LA field: how many more unacknowledged LTs the peer may send
	Credit byte

	// LD fields
	Reason   byte
	UserCode byte
}

// NewLinkRequest returns an LR advertising the given window and info length.
func NewLinkRequest(maxOutstanding byte, maxInfoLength uint16) *Packet {
	return &Packet{
		Type:           LR,
		DataPhaseOpt:   DefaultDataPhaseOpt,
		FramingMode:    DefaultFramingMode,
		MaxOutstanding: maxOutstanding,
		MaxInfoLength:  maxInfoLength,
		Constant:       append([]byte(nil), defaultConstant...),
	}
}

// NewTransfer returns an LT carrying data.
func NewTransfer(seq byte, data []byte) *Packet {
	return &Packet{Type: LT, Sequence: seq, Data: data}
}

// NewAck returns an LA acknowledging seq and granting credit.
func NewAck(seq, credit byte) *Packet {
	return &Packet{Type: LA, Sequence: seq, Credit: credit}
}

// NewDisconnect returns an LD with the given reason.
func NewDisconnect(reason, userCode byte) *Packet {
	return &Packet{Type: LD, Reason: reason, UserCode: userCode}
}

// MarshalBinary returns the frame body for the packet: the header length
// octet, the type-specific header and, for LT, the data.
func (p *Packet) MarshalBinary() ([]byte, error) {
	var hdr []byte
	switch p.Type {
	case LR:
		constant := p.Constant
		if constant == nil {
			constant = defaultConstant
		}
		if len(constant) > 0xFF {
			return nil, NewError(KindBadPacket, "LR constant parameter too long")
		}
		hdr = append(hdr, byte(LR), lrConstantHead)
		hdr = append(hdr, lrParamConstant, byte(len(constant)))
		hdr = append(hdr, constant...)
		hdr = append(hdr, lrParamFramingMode, 1, p.FramingMode)
		hdr = append(hdr, lrParamOutstanding, 1, p.MaxOutstanding)
		hdr = append(hdr, lrParamInfoLength, 2)
		hdr = binary.LittleEndian.AppendUint16(hdr, p.MaxInfoLength)
		hdr = append(hdr, lrParamDataPhaseOpt, 1, p.DataPhaseOpt)
	case LT:
		hdr = []byte{byte(LT), p.Sequence}
	case LA:
		hdr = []byte{byte(LA), p.Sequence, p.Credit}
	case LD:
		hdr = []byte{byte(LD), ldParamReason, 1, p.Reason, ldParamUser, 1, p.UserCode}
	default:
		return nil, NewError(KindBadPacket, fmt.Sprintf("unknown packet type %d", p.Type))
	}

	p.HeaderLength = byte(len(hdr))
	out := make([]byte, 0, 1+len(hdr)+len(p.Data))
	out = append(out, p.HeaderLength)
	out = append(out, hdr...)
	if p.Type == LT {
		out = append(out, p.Data...)
	}
	return out, nil
}

// UnmarshalPacket decodes a frame body into a packet.
func UnmarshalPacket(body []byte) (*Packet, error) {
	if len(body) < 2 {
		return nil, NewError(KindBadPacket, "frame body too short")
	}
	hdrLen := int(body[0])
	if hdrLen < 1 || 1+hdrLen > len(body) {
		return nil, NewError(KindBadPacket, fmt.Sprintf("header length %d exceeds body of %d bytes", hdrLen, len(body)))
	}
	hdr := body[1 : 1+hdrLen]
	p := &Packet{Type: PacketType(hdr[0]), HeaderLength: body[0]}

	switch p.Type {
	case LR:
		if err := p.unmarshalLR(hdr[1:]); err != nil {
			return nil, err
		}
	case LT:
		if len(hdr) < 2 {
			return nil, NewError(KindBadPacket, "LT header too short")
		}
		p.Sequence = hdr[1]
		p.Data = append([]byte(nil), body[1+hdrLen:]...)
	case LA:
		if len(hdr) < 3 {
			return nil, NewError(KindBadPacket, "LA header too short")
		}
		p.Sequence = hdr[1]
		p.Credit = hdr[2]
	case LD:
		if err := p.unmarshalLD(hdr[1:]); err != nil {
			return nil, err
		}
	default:
		return nil, NewError(KindBadPacket, fmt.Sprintf("unknown packet type %d", hdr[0]))
	}
	return p, nil
}

// unmarshalLR walks the LR parameter list. Unknown parameters are skipped.
func (p *Packet) unmarshalLR(params []byte) error {
	if len(params) < 1 {
		return NewError(KindBadPacket, "LR header too short")
	}
	// constant octet
	params = params[1:]

	p.FramingMode = DefaultFramingMode
	p.MaxOutstanding = 1
	p.MaxInfoLength = DefaultMaxInfoLength
	for len(params) > 0 {
		if len(params) < 2 {
			return NewError(KindBadPacket, "LR parameter truncated")
		}
		kind, n := params[0], int(params[1])
		if len(params) < 2+n {
			return NewError(KindBadPacket, fmt.Sprintf("LR parameter %d truncated", kind))
		}
		val := params[2 : 2+n]
		switch kind {
		case lrParamConstant:
			p.Constant = append([]byte(nil), val...)
		case lrParamFramingMode:
			if n >= 1 {
				p.FramingMode = val[0]
			}
		case lrParamOutstanding:
			if n >= 1 {
				p.MaxOutstanding = val[0]
			}
		case lrParamInfoLength:
			if n >= 2 {
				p.MaxInfoLength = binary.LittleEndian.Uint16(val)
			}
		case lrParamDataPhaseOpt:
			if n >= 1 {
				p.DataPhaseOpt = val[0]
			}
		}
		params = params[2+n:]
	}
	return nil
}

func (p *Packet) unmarshalLD(params []byte) error {
	for len(params) > 0 {
		if len(params) < 2 {
			return NewError(KindBadPacket, "LD parameter truncated")
		}
		kind, n := params[0], int(params[1])
		if len(params) < 2+n {
			return NewError(KindBadPacket, "LD parameter truncated")
		}
		if n >= 1 {
			switch kind {
			case ldParamReason:
				p.Reason = params[2]
			case ldParamUser:
				p.UserCode = params[2]
			}
		}
		params = params[2+n:]
	}
	return nil
}

// Zerolog attaches the packet's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (p *Packet) Zerolog(ev *zerolog.Event) {
	ev.Str("type", p.Type.String())
	switch p.Type {
	case LR:
		ev.Uint8("max_outstanding", p.MaxOutstanding).
			Uint16("max_info", p.MaxInfoLength).
			Uint8("framing", p.FramingMode)
	case LT:
		ev.Uint8("seq", p.Sequence).Int("len", len(p.Data)).Bool("retransmit", p.Transmitted)
	case LA:
		ev.Uint8("seq", p.Sequence).Uint8("credit", p.Credit)
	case LD:
		ev.Str("reason", ReasonName(p.Reason)).Uint8("user", p.UserCode)
	}
}
