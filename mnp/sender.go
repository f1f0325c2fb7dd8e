package mnp

import (
	"context"
	"time"
)

// Send transmits data as one or more LTs of at most the negotiated info
// length. It blocks while the credit window is full, until the peer
// acknowledges enough LTs or ctx is done.
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for len(data) > 0 {
		p.mu.Lock()
		n := min(len(data), max(p.infoLen, 1))
		p.mu.Unlock()

		if err := p.sendTransfer(ctx, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// sendTransfer queues one LT once credit is available and writes it.
func (p *Pipe) sendTransfer(ctx context.Context, chunk []byte) error {
	for {
		p.mu.Lock()
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			return err
		}
		if !p.state.carriesData() {
			st := p.state
			p.mu.Unlock()
			return NewError(KindBadPipeState, "send in state "+st.String())
		}

		if len(p.outstanding) < p.credit {
			p.sendSeq++
			pkt := NewTransfer(p.sendSeq, append([]byte(nil), chunk...))
			p.outstanding = append(p.outstanding, pkt)
			if len(p.outstanding) == 1 {
				p.lastProgress = time.Now()
			}
			p.mu.Unlock()
			return p.transmit(pkt)
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-p.done:
		case <-ctx.Done():
			return wrapError(KindTimeout, "waiting for credit", ctx.Err())
		}
	}
}

// transmit writes an LT and marks it transmitted.
func (p *Pipe) transmit(pkt *Packet) error {
	p.mu.Lock()
	cp := *pkt
	p.mu.Unlock()

	if err := p.SendPacket(&cp); err != nil {
		p.fail(err)
		return err
	}

	p.mu.Lock()
	pkt.Transmitted = true
	p.mu.Unlock()
	return nil
}

// seqAtOrBefore reports whether sequence a is at or before b, modulo 256.
func seqAtOrBefore(a, b byte) bool {
	return b-a < 0x80
}

// receiveAck retires acknowledged LTs and adopts the peer's credit. An LA
// that acknowledges nothing new without raising credit asks for the
// outstanding LTs again. The peer repeats that LA for every LT past the
// gap, so each gap is answered once.
func (p *Pipe) receiveAck(la *Packet) {
	p.mu.Lock()
	acked := 0
	for len(p.outstanding) > 0 && seqAtOrBefore(p.outstanding[0].Sequence, la.Sequence) && seqAtOrBefore(la.Sequence, p.sendSeq) {
		p.outstanding = p.outstanding[1:]
		acked++
	}

	prevCredit := p.credit
	p.credit = int(la.Credit)

	var resend []*Packet
	switch {
	case acked > 0:
		p.retries = 0
		p.resent = false
		p.lastProgress = time.Now()
	case len(p.outstanding) > 0 && p.credit <= prevCredit:
		if p.resent && p.resentFor == la.Sequence {
			break
		}
		resend = append(resend, p.outstanding...)
		p.resent, p.resentFor = true, la.Sequence
		p.lastProgress = time.Now()
	}
	p.wake()
	p.mu.Unlock()

	p.log.Trace().Uint8("seq", la.Sequence).Int("credit", int(la.Credit)).Int("acked", acked).Msg("ack")
	for _, pkt := range resend {
		p.log.Debug().Uint8("seq", pkt.Sequence).Msg("resending on duplicate ack")
		if err := p.transmit(pkt); err != nil {
			return
		}
	}
}

// retransmitLoop resends the most recent unacknowledged LT whenever the
// retransmit timeout passes without progress, and drops the link once
// MaxRetransmits is exhausted.
func (p *Pipe) retransmitLoop() {
	interval := p.config.RetransmitTimeout / 4
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if len(p.outstanding) == 0 || time.Since(p.lastProgress) < p.config.RetransmitTimeout {
			p.mu.Unlock()
			continue
		}
		p.retries++
		if p.retries > p.config.MaxRetransmits {
			p.mu.Unlock()
			p.SendPacket(NewDisconnect(ReasonRetransmitLimit, 0))
			p.fail(NewError(KindTimeout, "retransmit limit exceeded"))
			return
		}
		pkt := p.outstanding[len(p.outstanding)-1]
		p.lastProgress = time.Now()
		// the resend may have been lost too; let the next duplicate LA
		// trigger another
		p.resent = false
		retries := p.retries
		p.mu.Unlock()

		p.log.Debug().Uint8("seq", pkt.Sequence).Int("retry", retries).Msg("retransmit")
		if err := p.transmit(pkt); err != nil {
			return
		}
	}
}
