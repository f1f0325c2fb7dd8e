package mnp

// receiveTransfer accepts an LT carrying the next expected sequence number
// and acknowledges it. A duplicate or an LT past a gap is dropped and the
// last accepted sequence is acknowledged again, so delivery only ever
// advances in order.
func (p *Pipe) receiveTransfer(lt *Packet) {
	p.mu.Lock()
	if !p.state.carriesData() {
		st := p.state
		p.mu.Unlock()
		p.log.Debug().Stringer("state", st).Uint8("seq", lt.Sequence).Msg("ignoring LT")
		return
	}

	expected := p.recvSeq + 1
	accepted := lt.Sequence == expected
	if accepted {
		p.recvSeq = expected
		p.inbound = append(p.inbound, lt.Data...)
		p.wake()
	}
	ack := NewAck(p.recvSeq, byte(p.window))
	p.mu.Unlock()

	if !accepted {
		if seqAtOrBefore(lt.Sequence, expected-1) {
			p.log.Debug().Uint8("seq", lt.Sequence).Msg("duplicate LT")
		} else {
			p.log.Debug().Uint8("seq", lt.Sequence).Uint8("expected", expected).Msg("LT out of order")
		}
	}
	if err := p.SendPacket(ack); err != nil {
		p.fail(err)
	}
}
