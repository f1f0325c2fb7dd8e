package dock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drunlade/go-ncu/mnp"
)

// Link is the transport a session runs over. *mnp.Pipe implements it.
type Link interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Send(ctx context.Context, data []byte) error
	Docked() error
	Disconnect(reason byte) error
}

// Config holds session parameters
type Config struct {
	// ReplyTimeout bounds each wait for a reply when the caller's context
	// has no deadline
	ReplyTimeout time.Duration

	// HandshakeTimeout bounds the wait for the Newton's request to dock
	HandshakeTimeout time.Duration

	ProtocolVersion    uint32
	DesktopType        uint32
	DesktopKey         [8]byte
	SessionType        uint32
	AllowSelectiveSync bool
	DesktopApps        []DesktopApp

	// ChunkSize is how much of an outbound envelope goes to the link per call
	ChunkSize int

	// ProgressInterval rate-limits OnCommandSending
	ProgressInterval time.Duration

	// Backlog bounds the inbound commands held for Await; the oldest is
	// dropped when full
	Backlog int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:     30 * time.Second,
		HandshakeTimeout: 60 * time.Second,
		ProtocolVersion:  ProtocolVersion,
		DesktopType:      DesktopMac,
		SessionType:      SessionSettingUp,
		DesktopApps: []DesktopApp{
			{Name: "Newton Connection Utilities", ID: 2, Version: 1, DoesAuto: true},
		},
		ChunkSize:        DefaultChunkSize,
		ProgressInterval: 100 * time.Millisecond,
		Backlog:          32,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the session configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.config = cfg }
}

// WithCallbacks installs event hooks; nil entries stay no-ops.
func WithCallbacks(cb *Callbacks) Option {
	return func(s *Session) { s.callbacks = mergeCallbacks(cb) }
}

// WithLogger sets the session logger.
func WithLogger(log *zerolog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// Session is the desktop side of a docking session.
type Session struct {
	link      Link
	config    Config
	callbacks *Callbacks
	log       *zerolog.Logger
	progress  *ProgressTracker

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	expect    Name
	backlog   []Command
	cancelGen uint64
	newton    *NewtonName
	err       error

	stop     context.CancelFunc
	done     chan struct{}
	eofOnce  sync.Once
	doneOnce sync.Once
}

// NewSession creates an idle session over link.
func NewSession(link Link, opts ...Option) *Session {
	nop := zerolog.Nop()
	s := &Session{
		link:      link,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		log:       &nop,
		state:     Idle,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.Backlog <= 0 {
		s.config.Backlog = 32
	}
	s.progress = NewProgressTracker(s.callbacks.OnCommandSending, s.config.ProgressInterval)
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Newton returns what the Newton said about itself during the handshake,
// or nil before it has.
func (s *Session) Newton() *NewtonName {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newton
}

// Err returns why the session finished, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session finishes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start begins reading commands from the link and waits for the Newton to
// request docking. The session lives until ctx is done or it finishes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.expect = NameRequestToDock
	s.mu.Unlock()
	if err := s.transition(AwaitingDock); err != nil {
		return err
	}

	dctx, stop := context.WithCancel(ctx)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	go s.dispatch(dctx)
	return nil
}

// Handshake runs the dock handshake: rtdk, dock, name, dinf, dres. A zero
// result moves the session to Ready and marks the link docked. A nonzero
// result is returned as *ResultError. A refused handshake, or one the Newton
// cancels, leaves the session AwaitingDock and Handshake may be called again
// for the Newton's next rtdk. If the Newton disconnects instead, the session
// finishes.
func (s *Session) Handshake(ctx context.Context) error {
	if st := s.State(); st != AwaitingDock {
		return s.badState("handshake", st)
	}
	gen := s.generation()

	hctx := ctx
	if _, ok := ctx.Deadline(); !ok && s.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.config.HandshakeTimeout)
		defer cancel()
	}
	if _, err := s.await(hctx, gen, NameRequestToDock); err != nil {
		return err
	}
	if err := s.transition(Handshaking); err != nil {
		return err
	}

	s.setExpect(NameNewtonName)
	if err := s.write(ctx, &InitiateDocking{SessionType: s.config.SessionType}); err != nil {
		return err
	}
	cmd, err := s.await(ctx, gen, NameNewtonName)
	if err != nil {
		return err
	}
	newton := cmd.(*NewtonName)
	s.mu.Lock()
	s.newton = newton
	s.mu.Unlock()
	s.log.Info().Str("owner", newton.Owner).Msg("newton identified")

	s.setExpect(NameResult)
	info := &DesktopInfo{
		ProtocolVersion:    s.config.ProtocolVersion,
		DesktopType:        s.config.DesktopType,
		Key:                s.config.DesktopKey,
		SessionType:        s.config.SessionType,
		AllowSelectiveSync: s.config.AllowSelectiveSync,
		Apps:               s.config.DesktopApps,
	}
	if err := s.write(ctx, info); err != nil {
		return err
	}
	// The dispatch goroutine settles the state before dres is handed over.
	cmd, err = s.await(ctx, gen, NameResult)
	if err != nil {
		return err
	}
	if code := cmd.(*Result).Code; code != 0 {
		return &ResultError{Code: code}
	}
	return nil
}

// Write sends cmd. The session must be Ready.
func (s *Session) Write(ctx context.Context, cmd Command) error {
	if st := s.State(); st != Ready {
		return s.badState(cmd.Name().String(), st)
	}
	return s.write(ctx, cmd)
}

// Await waits for the next inbound command with one of names. Commands
// received earlier and not yet claimed are returned first.
func (s *Session) Await(ctx context.Context, names ...Name) (Command, error) {
	return s.await(ctx, s.generation(), names...)
}

// Call sends cmd and waits for one of replies or a Result. A nonzero
// Result is returned along with a *ResultError.
func (s *Session) Call(ctx context.Context, cmd Command, replies ...Name) (Command, error) {
	gen := s.generation()
	if err := s.Write(ctx, cmd); err != nil {
		return nil, err
	}
	reply, err := s.await(ctx, gen, append(replies, NameResult)...)
	if err != nil {
		return nil, err
	}
	if r, ok := reply.(*Result); ok && r.Code != 0 {
		return reply, &ResultError{Code: r.Code}
	}
	return reply, nil
}

// Hello sends a keep-alive.
func (s *Session) Hello(ctx context.Context) error {
	return s.Write(ctx, &Hello{})
}

// SetTimeout asks the Newton to wait up to seconds between commands.
func (s *Session) SetTimeout(ctx context.Context, seconds uint32) error {
	_, err := s.Call(ctx, &SetTimeout{Seconds: seconds})
	return err
}

// LoadPackage installs a package on the Newton.
func (s *Session) LoadPackage(ctx context.Context, data []byte) error {
	_, err := s.Call(ctx, &LoadPackage{Data: data})
	return err
}

// StoreNames lists the Newton's stores.
func (s *Session) StoreNames(ctx context.Context) ([]Store, error) {
	reply, err := s.Call(ctx, &GetStoreNames{}, NameStoreNames)
	if err != nil {
		return nil, err
	}
	names, ok := reply.(*StoreNames)
	if !ok {
		return nil, protocolError(reply.Name(), "unexpected reply to gsto", nil)
	}
	return names.Stores, nil
}

// SetCurrentStore selects the store soup commands apply to.
func (s *Session) SetCurrentStore(ctx context.Context, store Store) error {
	_, err := s.Call(ctx, &SetCurrentStore{Store: store})
	return err
}

// SoupNames lists the soups on the current store and their signatures.
func (s *Session) SoupNames(ctx context.Context) ([]string, []int32, error) {
	reply, err := s.Call(ctx, &GetSoupNames{}, NameSoupNames)
	if err != nil {
		return nil, nil, err
	}
	soups, ok := reply.(*SoupNames)
	if !ok {
		return nil, nil, protocolError(reply.Name(), "unexpected reply to gets", nil)
	}
	return soups.Names, soups.Signatures, nil
}

// SetCurrentSoup selects a soup by name. Names longer than
// MaxSoupNameLength fail with KindValueTooLong and nothing is sent.
func (s *Session) SetCurrentSoup(ctx context.Context, name string) error {
	_, err := s.Call(ctx, &SetCurrentSoup{Soup: name})
	return err
}

// Cancel cancels the current operation and waits for the Newton's
// acknowledgement.
func (s *Session) Cancel(ctx context.Context) error {
	gen := s.generation()
	if err := s.Write(ctx, &OperationCanceled{}); err != nil {
		return err
	}
	_, err := s.await(ctx, gen, NameOperationCanceledAck)
	return err
}

// Disconnect ends the session: disc is sent once the handshake has begun,
// then the link is torn down.
func (s *Session) Disconnect(ctx context.Context) error {
	st := s.State()
	if st == Finished {
		return nil
	}
	if st == Handshaking || st == Ready || st == Cancelled {
		if err := s.write(ctx, &Disconnect{}); err != nil {
			s.log.Debug().Err(err).Msg("disc not sent")
		}
	}
	err := s.link.Disconnect(mnp.ReasonUser)
	s.finish(NewError(KindDisconnected, "local disconnect"))
	if mnp.IsBadState(err) {
		return nil
	}
	return err
}

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelGen
}

func (s *Session) setExpect(name Name) {
	s.mu.Lock()
	s.expect = name
	s.mu.Unlock()
}

func (s *Session) badState(op string, st State) error {
	return NewError(KindBadState, fmt.Sprintf("%s in state %s", op, st))
}

// transition moves the session to state to and reports it.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return NewError(KindBadState, fmt.Sprintf("cannot go from %s to %s", from, to))
	}
	s.state = to
	s.wake()
	s.mu.Unlock()

	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session state")
	s.callbacks.OnStateChange(from, to)
	return nil
}

// wake notifies waiters. Must be called with mu held.
func (s *Session) wake() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// finish moves the session to Finished once.
func (s *Session) finish(err error) {
	s.mu.Lock()
	from := s.state
	if from == Finished {
		s.mu.Unlock()
		return
	}
	s.state = Finished
	s.err = err
	stop := s.stop
	s.wake()
	s.mu.Unlock()

	s.log.Debug().Err(err).Stringer("from", from).Msg("session finished")
	s.callbacks.OnStateChange(from, Finished)
	if stop != nil {
		stop()
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) await(ctx context.Context, gen uint64, names ...Name) (Command, error) {
	if _, ok := ctx.Deadline(); !ok && s.config.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ReplyTimeout)
		defer cancel()
	}

	for {
		s.mu.Lock()
		if cmd := s.take(names); cmd != nil {
			s.mu.Unlock()
			return cmd, nil
		}
		if s.state == Finished {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = NewError(KindDisconnected, "session finished")
			}
			return nil, err
		}
		if s.cancelGen != gen {
			s.mu.Unlock()
			return nil, NewError(KindCancelled, "operation cancelled by the newton")
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("waiting for %v", names), Err: ctx.Err()}
		}
	}
}

// take removes and returns the oldest backlog command named in names.
// Must be called with mu held.
func (s *Session) take(names []Name) Command {
	for i, cmd := range s.backlog {
		for _, n := range names {
			if cmd.Name() == n {
				s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
				return cmd
			}
		}
	}
	return nil
}

func (s *Session) enqueue(cmd Command) {
	s.mu.Lock()
	if len(s.backlog) >= s.config.Backlog {
		s.log.Warn().Stringer("cmd", s.backlog[0].Name()).Msg("backlog full, dropping oldest command")
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, cmd)
	s.wake()
	s.mu.Unlock()
}

// write marshals cmd and sends its envelope. Marshal errors return before
// anything reaches the link.
func (s *Session) write(ctx context.Context, cmd Command) error {
	payload, err := cmd.MarshalPayload()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	name := cmd.Name()
	s.progress.Start(name, int64(headerSize+len(payload)+Pad(len(payload))))
	w := &linkWriter{ctx: ctx, link: s.link}
	if err := WriteEnvelope(w, name, payload, s.config.ChunkSize, s.progress.Update); err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Message: "sending", Command: name, Err: err}
		}
		return &Error{Kind: KindDisconnected, Message: "sending", Command: name, Err: err}
	}
	elapsed := s.progress.Complete()

	s.log.Debug().Stringer("cmd", name).Int("length", len(payload)).Dur("elapsed", elapsed).Msg("sent")
	s.callbacks.OnCommandSent(cmd)
	return nil
}

// dispatch reads and routes inbound commands until the link ends.
func (s *Session) dispatch(ctx context.Context) {
	r := bufio.NewReader(&linkReader{ctx: ctx, link: s.link})
	for {
		skipped, err := Resync(r)
		if skipped > 0 {
			perr := protocolError(Name{}, fmt.Sprintf("not a dock command: skipped %d bytes", skipped), nil)
			s.log.Warn().Err(perr).Msg("resynchronized")
			s.callbacks.OnError(perr)
		}
		if err != nil {
			s.linkEnded(err)
			return
		}

		h, payload, err := readCommand(r, s.callbacks.OnCommandReceiving)
		if err != nil {
			if IsProtocol(err) {
				s.log.Warn().Err(err).Msg("dropping envelope")
				s.callbacks.OnError(err)
				continue
			}
			s.linkEnded(err)
			return
		}

		cmd, err := Decode(h.Name, payload)
		if err != nil {
			s.log.Warn().Err(err).Stringer("cmd", h.Name).Msg("dropping command")
			s.callbacks.OnError(err)
			continue
		}
		s.receive(ctx, cmd)
	}
}

func (s *Session) linkEnded(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.log.Debug().Msg("link closed")
	} else {
		s.log.Debug().Err(err).Msg("link read failed")
	}
	s.eofOnce.Do(s.callbacks.OnCommandEOF)
	s.finish(&Error{Kind: KindDisconnected, Message: "link closed", Err: err})
}

// isControl reports whether name is accepted in every state.
func isControl(name Name) bool {
	return name == NameDisconnect || name == NameOperationDone || name == NameOperationCanceled
}

// receive routes one decoded command. It runs on the dispatch goroutine, so
// any state change it makes is in place before the next command is read.
func (s *Session) receive(ctx context.Context, cmd Command) {
	s.mu.Lock()
	st, expect := s.state, s.expect
	s.mu.Unlock()

	name := cmd.Name()
	if (st == AwaitingDock || st == Handshaking) && name != expect && !isControl(name) {
		err := protocolError(name, fmt.Sprintf("unexpected during handshake, want %s", expect), nil)
		s.log.Warn().Err(err).Msg("dropping command")
		s.callbacks.OnError(err)
		return
	}

	s.log.Debug().Stringer("cmd", name).Msg("received")
	s.callbacks.OnCommandReceived(cmd)

	switch name {
	case NameHello:
		return
	case NameOperationCanceled:
		s.newtonCancelled(ctx, st)
		return
	case NameDisconnect, NameOperationDone:
		s.enqueue(cmd)
		s.finish(&Error{Kind: KindDisconnected, Message: "newton ended the session", Command: name})
		return
	case NameResult:
		if st == Handshaking {
			s.handshakeResult(cmd.(*Result))
			return
		}
	}
	s.enqueue(cmd)
}

// handshakeResult settles the handshake on dres and then hands dres to
// Handshake.
func (s *Session) handshakeResult(res *Result) {
	if res.Code != 0 {
		if err := s.redock(); err != nil {
			s.log.Debug().Err(err).Msg("not returning to awaiting-dock")
		}
		s.enqueue(res)
		return
	}

	if err := s.transition(Ready); err != nil {
		s.log.Debug().Err(err).Msg("not becoming ready")
		s.enqueue(res)
		return
	}
	if err := s.link.Docked(); err != nil {
		s.finish(&Error{Kind: KindDisconnected, Message: "link refused docked state", Err: err})
		return
	}
	s.enqueue(res)
}

// redock returns the session to AwaitingDock. Commands left over from the
// abandoned handshake are discarded.
func (s *Session) redock() error {
	if err := s.transition(AwaitingDock); err != nil {
		return err
	}
	s.mu.Lock()
	s.expect = NameRequestToDock
	s.backlog = nil
	s.mu.Unlock()
	return nil
}

// newtonCancelled aborts pending waits and acknowledges the cancellation.
// A docked session returns to Ready; otherwise the handshake starts over.
func (s *Session) newtonCancelled(ctx context.Context, from State) {
	if err := s.transition(Cancelled); err != nil {
		s.log.Debug().Err(err).Msg("cancel ignored")
		return
	}
	s.mu.Lock()
	s.cancelGen++
	s.wake()
	s.mu.Unlock()

	if err := s.write(ctx, &OperationCanceledAck{}); err != nil {
		s.log.Warn().Err(err).Msg("ocaa not sent")
	}

	var err error
	if from == Ready {
		err = s.transition(Ready)
	} else {
		err = s.redock()
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("not resuming after cancel")
	}
}

// linkReader adapts Link to io.Reader for the envelope decoder.
type linkReader struct {
	ctx  context.Context
	link Link
}

func (r *linkReader) Read(p []byte) (int, error) {
	n, err := r.link.ReadContext(r.ctx, p)
	if err != nil && n == 0 && r.ctx.Err() != nil {
		return 0, io.EOF
	}
	return n, err
}

// linkWriter adapts Link to io.Writer for WriteEnvelope.
type linkWriter struct {
	ctx  context.Context
	link Link
}

func (w *linkWriter) Write(p []byte) (int, error) {
	if err := w.link.Send(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
