package mnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds link configuration.
type Config struct {
	// MaxOutstanding is the credit window offered in our LR. The negotiated
	// window is the smaller of ours and the peer's.
	MaxOutstanding int

	// MaxInfoLength is the largest LT data field offered in our LR.
	MaxInfoLength int

	// RetransmitTimeout is how long an LT may go unacknowledged before the
	// most recent unacknowledged LT is resent.
	RetransmitTimeout time.Duration

	// MaxRetransmits is the number of consecutive retransmissions without
	// progress after which the link is dropped.
	MaxRetransmits int

	// HandshakeTimeout bounds Listen and Dial when the caller's context has
	// no deadline of its own. Zero means wait forever.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds Write. Zero means wait forever.
	WriteTimeout time.Duration

	// ReadBufferSize is the transport read batch size
	ReadBufferSize int
}

// DefaultConfig returns a default link configuration.
func DefaultConfig() Config {
	return Config{
		MaxOutstanding:    DefaultMaxOutstanding,
		MaxInfoLength:     DefaultMaxInfoLength,
		RetransmitTimeout: 2 * time.Second,
		MaxRetransmits:    10,
		HandshakeTimeout:  30 * time.Second,
		WriteTimeout:      60 * time.Second,
		ReadBufferSize:    512,
	}
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithConfig sets the link configuration.
func WithConfig(config Config) Option {
	return func(p *Pipe) {
		p.config = config
	}
}

// WithLogger sets a logger for link tracing.
func WithLogger(l *zerolog.Logger) Option {
	return func(p *Pipe) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipe is one MNP link over a duplex byte stream. It owns the stream
// exclusively once Listen or Dial has been called.
//
// A reader goroutine blocks on the transport and handles every inbound
// packet; LTs are sent from the caller's goroutine. Sequence counters, the
// credit window and the outstanding queue are guarded by mu.
type Pipe struct {
	io     *linkIO
	closer io.Closer
	config Config
	log    *zerolog.Logger

	// sendMu keeps the fragments of one Send contiguous
	sendMu sync.Mutex

	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced whenever shared state changes
	err     error

	// negotiated parameters
	window  int
	infoLen int
	lrReply *Packet // our LR reply, resent if the peer repeats its LR
	lrCh    chan *Packet

	// send side
	sendSeq      byte
	credit       int
	outstanding  []*Packet
	lastProgress time.Time
	retries      int
	resent       bool // outstanding LTs already resent for LA(resentFor)
	resentFor    byte

	// receive side
	recvSeq byte
	inbound []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates a link over rw. If rw is an io.Closer it is closed when
// the link is torn down.
func NewPipe(rw io.ReadWriter, opts ...Option) *Pipe {
	nop := zerolog.Nop()
	p := &Pipe{
		config:  DefaultConfig(),
		log:     &nop,
		state:   Disconnected,
		changed: make(chan struct{}),
		lrCh:    make(chan *Packet, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.config.MaxOutstanding < 1 || p.config.MaxOutstanding > 0xFF {
		p.config.MaxOutstanding = DefaultMaxOutstanding
	}
	if p.config.MaxInfoLength < 1 || p.config.MaxInfoLength > 0xFFFF {
		p.config.MaxInfoLength = DefaultMaxInfoLength
	}
	p.io = newLinkIO(rw, p.config.ReadBufferSize)
	if c, ok := rw.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// State returns the current link state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Credit returns how many LTs may be outstanding at once right now.
func (p *Pipe) Credit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.credit
}

// Outstanding returns the number of sent but unacknowledged LTs.
func (p *Pipe) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Err returns the error that tore the link down, or nil while it is alive.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed when the link has been torn down.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// SendPacket frames pkt and writes it to the transport. It blocks until the
// transport write returns.
func (p *Pipe) SendPacket(pkt *Packet) error {
	body, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	p.log.Trace().Func(pkt.Zerolog).Msg("send")
	if err := p.io.writeFrame(body); err != nil {
		return wrapError(KindDisconnected, "transport write failed", err)
	}
	return nil
}

// ReceivePacket blocks until one valid packet has been read. Corrupt
// frames are reported as KindCorruptFrame errors. It must not be called
// while the link's own reader is running.
func (p *Pipe) ReceivePacket() (*Packet, error) {
	body, err := p.io.readFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, wrapError(KindDisconnected, "transport closed", err)
		}
		return nil, err
	}
	pkt, err := UnmarshalPacket(body)
	if err != nil {
		return nil, err
	}
	p.log.Trace().Func(pkt.Zerolog).Msg("receive")
	return pkt, nil
}

// Listen runs the responder side of the link handshake: it waits for the
// peer's LR and answers with ours.
func (p *Pipe) Listen(ctx context.Context) error {
	if err := p.transition(Listen); err != nil {
		return err
	}
	go p.readLoop()

	ctx, cancel := p.handshakeContext(ctx)
	defer cancel()

	var lr *Packet
	select {
	case lr = <-p.lrCh:
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		err := wrapError(KindTimeout, "waiting for link request", ctx.Err())
		p.fail(err)
		return err
	}

	reply := p.negotiate(lr)
	p.mu.Lock()
	p.lrReply = reply
	p.mu.Unlock()
	if err := p.transition(HandshakeDock); err != nil {
		return err
	}
	if err := p.SendPacket(reply); err != nil {
		p.fail(err)
		return err
	}
	go p.retransmitLoop()
	p.log.Debug().Int("window", p.window).Int("info_length", p.infoLen).Msg("link established (responder)")
	return nil
}

// Dial runs the initiator side of the link handshake: it sends our LR
// until the peer answers, then acknowledges the answer.
func (p *Pipe) Dial(ctx context.Context) error {
	if err := p.transition(LRSent); err != nil {
		return err
	}
	go p.readLoop()

	ctx, cancel := p.handshakeContext(ctx)
	defer cancel()

	lr := NewLinkRequest(byte(p.config.MaxOutstanding), uint16(p.config.MaxInfoLength))
	var reply *Packet
	for reply == nil {
		if err := p.SendPacket(lr); err != nil {
			p.fail(err)
			return err
		}
		timer := time.NewTimer(p.config.RetransmitTimeout)
		select {
		case reply = <-p.lrCh:
		case <-timer.C:
		case <-p.done:
			timer.Stop()
			return p.Err()
		case <-ctx.Done():
			timer.Stop()
			err := wrapError(KindTimeout, "waiting for link request reply", ctx.Err())
			p.fail(err)
			return err
		}
		timer.Stop()
	}

	p.negotiate(reply)
	if err := p.transition(HandshakeDock); err != nil {
		return err
	}
	if err := p.SendPacket(NewAck(0, byte(p.window))); err != nil {
		p.fail(err)
		return err
	}
	go p.retransmitLoop()
	p.log.Debug().Int("window", p.window).Int("info_length", p.infoLen).Msg("link established (initiator)")
	return nil
}

// Docked marks the dock handshake as complete.
func (p *Pipe) Docked() error {
	return p.transition(Connected)
}

// Disconnect sends LD with reason and tears the link down.
func (p *Pipe) Disconnect(reason byte) error {
	p.mu.Lock()
	st := p.state
	if st.carriesData() {
		p.state = Disconnecting
	}
	p.mu.Unlock()

	var err error
	switch {
	case st.carriesData():
		err = p.SendPacket(NewDisconnect(reason, 0))
	case st == Disconnected:
		return NewError(KindBadPipeState, "disconnect on a link that is not up")
	}
	p.fail(&Error{Kind: KindDisconnected, Message: "local disconnect", Reason: reason})
	return err
}

// Close tears the link down without sending LD.
func (p *Pipe) Close() error {
	p.fail(NewError(KindDisconnected, "closed"))
	return nil
}

// Read implements io.Reader over the in-order LT data stream.
func (p *Pipe) Read(b []byte) (int, error) {
	return p.ReadContext(context.Background(), b)
}

// ReadContext reads delivered LT data, blocking until data is available,
// the link is gone (io.EOF) or ctx is done (KindTimeout).
func (p *Pipe) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		p.mu.Lock()
		if len(p.inbound) > 0 {
			n := copy(b, p.inbound)
			p.inbound = p.inbound[n:]
			p.mu.Unlock()
			return n, nil
		}
		if p.err != nil {
			err := p.err
			p.mu.Unlock()
			if IsDisconnected(err) {
				return 0, io.EOF
			}
			return 0, err
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, wrapError(KindTimeout, "waiting for data", ctx.Err())
		}
	}
}

// Write implements io.Writer; each call is sent as one or more LTs.
func (p *Pipe) Write(b []byte) (int, error) {
	ctx := context.Background()
	if p.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.WriteTimeout)
		defer cancel()
	}
	if err := p.Send(ctx, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// transition moves the link to state to. An undocumented transition tears
// the link down and returns KindBadPipeState.
func (p *Pipe) transition(to State) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		err := NewError(KindBadPipeState, fmt.Sprintf("%s -> %s", from, to))
		p.fail(err)
		return err
	}
	p.state = to
	p.wake()
	p.mu.Unlock()
	p.log.Debug().Stringer("from", from).Stringer("to", to).Msg("link state")
	return nil
}

// negotiate settles the window and info length from the peer's LR and
// returns the LR we answer with.
func (p *Pipe) negotiate(peer *Packet) *Packet {
	window := min(p.config.MaxOutstanding, int(peer.MaxOutstanding))
	if window < 1 {
		window = 1
	}
	infoLen := p.config.MaxInfoLength
	if peer.MaxInfoLength > 0 {
		infoLen = min(infoLen, int(peer.MaxInfoLength))
	}

	p.mu.Lock()
	p.window = window
	p.infoLen = infoLen
	p.credit = window
	p.mu.Unlock()

	return NewLinkRequest(byte(window), uint16(infoLen))
}

func (p *Pipe) handshakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && p.config.HandshakeTimeout > 0 {
		return context.WithTimeout(ctx, p.config.HandshakeTimeout)
	}
	return context.WithCancel(ctx)
}

// wake releases everyone waiting on a state change. Caller holds mu.
func (p *Pipe) wake() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// fail records err, tears the link down and closes the transport.
func (p *Pipe) fail(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.state = Disconnected
		p.wake()
		p.mu.Unlock()
		close(p.done)
		if p.closer != nil {
			p.closer.Close()
		}
		p.log.Debug().Err(err).Msg("link down")
	})
}

// readLoop handles inbound packets until the link goes down.
func (p *Pipe) readLoop() {
	for {
		pkt, err := p.ReceivePacket()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			var e *Error
			if errors.As(err, &e) && (e.Kind == KindCorruptFrame || e.Kind == KindBadPacket || e.Kind == KindFrameTooLong) {
				p.log.Debug().Err(err).Msg("dropped frame")
				continue
			}
			if !IsDisconnected(err) {
				err = wrapError(KindDisconnected, "transport read failed", err)
			}
			p.fail(err)
			return
		}

		switch pkt.Type {
		case LR:
			p.receiveLinkRequest(pkt)
		case LT:
			p.receiveTransfer(pkt)
		case LA:
			p.receiveAck(pkt)
		case LD:
			p.fail(&Error{Kind: KindDisconnected, Message: "peer disconnected", Reason: pkt.Reason})
			return
		}
	}
}

// receiveLinkRequest hands an LR to the handshake, or repeats our reply if
// the peer did not hear it.
func (p *Pipe) receiveLinkRequest(pkt *Packet) {
	p.mu.Lock()
	st, reply := p.state, p.lrReply
	p.mu.Unlock()

	switch {
	case st == Listen || st == LRSent:
		select {
		case p.lrCh <- pkt:
			// hold further input until the handshake has moved on
			p.awaitLeave(st)
		default:
		}
	case st == HandshakeDock && reply != nil:
		if err := p.SendPacket(reply); err != nil {
			p.fail(err)
		}
	default:
		p.log.Debug().Stringer("state", st).Msg("ignoring LR")
	}
}

// awaitLeave blocks until the link is no longer in state st.
func (p *Pipe) awaitLeave(st State) {
	for {
		p.mu.Lock()
		if p.state != st || p.err != nil {
			p.mu.Unlock()
			return
		}
		wait := p.changed
		p.mu.Unlock()
		<-wait
	}
}
