// Package newtsim plays the Newton side of a docking session: it dials the
// MNP link, requests docking and answers desktop commands from a script.
package newtsim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drunlade/go-ncu/dock"
	"github.com/drunlade/go-ncu/mnp"
)

// Newton is a scripted Newton.
type Newton struct {
	owner      string
	info       dock.NewtonInfo
	stores     []dock.Store
	soups      []string
	signatures []int32
	results    map[dock.Name]int32
	silent     map[dock.Name]bool
	cancelPkgs bool
	pipeConfig mnp.Config
	log        *zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	changed  chan struct{}
	pipe     *mnp.Pipe
	docked   bool
	desktop  *dock.DesktopInfo
	received []dock.Name
	packages [][]byte
	store    dock.Store
	soup     string
}

// Option configures a Newton.
type Option func(*Newton)

// WithOwner sets the owner name sent in the name command.
func WithOwner(owner string) Option {
	return func(n *Newton) { n.owner = owner }
}

// WithStores sets the stores listed in reply to gsto.
func WithStores(stores ...dock.Store) Option {
	return func(n *Newton) { n.stores = stores }
}

// WithSoups sets the soups listed in reply to gets.
func WithSoups(names []string, signatures []int32) Option {
	return func(n *Newton) {
		n.soups = names
		n.signatures = signatures
	}
}

// WithResult makes the Newton answer commands named name with code. It also
// applies to dinf during the handshake.
func WithResult(name dock.Name, code int32) Option {
	return func(n *Newton) { n.results[name] = code }
}

// WithSilence makes the Newton ignore commands named name.
func WithSilence(name dock.Name) Option {
	return func(n *Newton) { n.silent[name] = true }
}

// WithCancelPackages makes the Newton answer lpkg with opca.
func WithCancelPackages() Option {
	return func(n *Newton) { n.cancelPkgs = true }
}

// WithPipeConfig sets the MNP parameters the Newton offers.
func WithPipeConfig(cfg mnp.Config) Option {
	return func(n *Newton) { n.pipeConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(log *zerolog.Logger) Option {
	return func(n *Newton) {
		if log != nil {
			n.log = log
		}
	}
}

// New creates a Newton with one internal store and no soups.
func New(opts ...Option) *Newton {
	nop := zerolog.Nop()
	n := &Newton{
		owner: "Newton",
		info: dock.NewtonInfo{
			NewtonID:         0x01020304,
			Manufacturer:     0x01000000,
			MachineType:      0x10003000,
			ROMVersion:       0x00020002,
			ROMStage:         0x00008000,
			RAMSize:          0x00100000,
			ScreenHeight:     480,
			ScreenWidth:      320,
			PatchVersion:     1,
			NOSVersion:       0x00020000,
			InternalStoreSig: 0x2A2A2A2A,
			VertScreenRes:    72,
			HorizScreenRes:   72,
			ScreenDepth:      4,
		},
		stores: []dock.Store{
			{Name: "Internal", Kind: "Internal", Signature: 0x2A2A2A2A, TotalSize: 4 << 20, DefaultStore: true},
		},
		results:    make(map[dock.Name]int32),
		silent:     make(map[dock.Name]bool),
		pipeConfig: mnp.DefaultConfig(),
		log:        &nop,
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run dials the MNP link over rw, docks and serves commands until the
// desktop tears the link down or ctx is done. A desktop disconnect returns
// nil. A Newton scripted to refuse dinf stays undocked but keeps serving.
func (n *Newton) Run(ctx context.Context, rw io.ReadWriter) error {
	pipe := mnp.NewPipe(rw, mnp.WithConfig(n.pipeConfig), mnp.WithLogger(n.log))
	defer pipe.Close()

	if err := pipe.Dial(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	n.mu.Lock()
	n.pipe = pipe
	n.mu.Unlock()

	r := bufio.NewReader(&pipeReader{ctx: ctx, pipe: pipe})
	if err := n.handshake(ctx, r); err != nil {
		return err
	}
	if err := n.serve(ctx, r); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (n *Newton) handshake(ctx context.Context, r *bufio.Reader) error {
	if err := n.Send(ctx, &dock.RequestToDock{Protocol: dock.ProtocolVersion}); err != nil {
		return err
	}
	if _, err := n.expect(r, dock.NameInitiateDocking); err != nil {
		return err
	}
	if err := n.Send(ctx, &dock.NewtonName{Info: n.info, Owner: n.owner}); err != nil {
		return err
	}
	cmd, err := n.expect(r, dock.NameDesktopInfo)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.desktop = cmd.(*dock.DesktopInfo)
	n.mu.Unlock()

	code := n.results[dock.NameDesktopInfo]
	if err := n.Send(ctx, &dock.Result{Code: code}); err != nil {
		return err
	}
	if code != 0 {
		n.log.Debug().Int32("code", code).Msg("refused desktop")
		return nil
	}
	if err := n.pipe.Docked(); err != nil {
		return err
	}

	n.mu.Lock()
	n.docked = true
	n.wake()
	n.mu.Unlock()
	n.log.Debug().Str("owner", n.owner).Msg("docked")
	return nil
}

func (n *Newton) serve(ctx context.Context, r *bufio.Reader) error {
	for {
		cmd, err := n.read(r)
		if err != nil {
			return err
		}
		if n.silent[cmd.Name()] {
			continue
		}

		switch c := cmd.(type) {
		case *dock.LoadPackage:
			n.mu.Lock()
			n.packages = append(n.packages, c.Data)
			n.mu.Unlock()
			if n.cancelPkgs {
				err = n.Send(ctx, &dock.OperationCanceled{})
			} else {
				err = n.result(ctx, c)
			}
		case *dock.SetTimeout:
			err = n.result(ctx, c)
		case *dock.SetCurrentStore:
			n.mu.Lock()
			n.store = c.Store
			n.mu.Unlock()
			err = n.result(ctx, c)
		case *dock.SetCurrentSoup:
			n.mu.Lock()
			n.soup = c.Soup
			n.mu.Unlock()
			err = n.result(ctx, c)
		case *dock.GetStoreNames:
			err = n.Send(ctx, &dock.StoreNames{Stores: n.stores})
		case *dock.GetSoupNames:
			err = n.Send(ctx, &dock.SoupNames{Names: n.soups, Signatures: n.signatures})
		case *dock.OperationCanceled:
			err = n.Send(ctx, &dock.OperationCanceledAck{})
		case *dock.Disconnect:
			n.log.Debug().Msg("desktop disconnecting")
		default:
			n.log.Debug().Stringer("cmd", cmd.Name()).Msg("ignored")
		}
		if err != nil {
			return err
		}
	}
}

func (n *Newton) result(ctx context.Context, cmd dock.Command) error {
	return n.Send(ctx, &dock.Result{Code: n.results[cmd.Name()]})
}

// read returns the next decodable command, skipping ones it cannot decode.
func (n *Newton) read(r *bufio.Reader) (dock.Command, error) {
	for {
		if skipped, err := dock.Resync(r); err != nil {
			return nil, err
		} else if skipped > 0 {
			n.log.Warn().Int("skipped", skipped).Msg("resynchronized")
		}
		h, payload, err := dock.ReadCommand(r)
		if dock.IsProtocol(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cmd, err := dock.Decode(h.Name, payload)
		if err != nil {
			n.log.Warn().Err(err).Msg("undecodable command")
			continue
		}

		n.mu.Lock()
		n.received = append(n.received, h.Name)
		n.wake()
		n.mu.Unlock()
		n.log.Debug().Stringer("cmd", h.Name).Msg("received")
		return cmd, nil
	}
}

func (n *Newton) expect(r *bufio.Reader, name dock.Name) (dock.Command, error) {
	cmd, err := n.read(r)
	if err != nil {
		return nil, err
	}
	if cmd.Name() != name {
		return nil, fmt.Errorf("expected %s, got %s", name, cmd.Name())
	}
	return cmd, nil
}

// Send writes one command to the desktop. It may be called while Run is
// serving, e.g. to cancel or to send something unexpected.
func (n *Newton) Send(ctx context.Context, cmd dock.Command) error {
	n.mu.Lock()
	pipe := n.pipe
	n.mu.Unlock()
	if pipe == nil {
		return errors.New("newtsim: link not up")
	}

	payload, err := cmd.MarshalPayload()
	if err != nil {
		return err
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return pipe.Send(ctx, dock.EncodeEnvelope(cmd.Name(), payload))
}

// WaitDocked blocks until the handshake has completed.
func (n *Newton) WaitDocked(ctx context.Context) error {
	return n.wait(ctx, func() bool { return n.docked })
}

// WaitFor blocks until a command named name has been received.
func (n *Newton) WaitFor(ctx context.Context, name dock.Name) error {
	return n.wait(ctx, func() bool {
		for _, r := range n.received {
			if r == name {
				return true
			}
		}
		return false
	})
}

func (n *Newton) wait(ctx context.Context, cond func() bool) error {
	for {
		n.mu.Lock()
		ok := cond()
		ch := n.changed
		n.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wake must be called with mu held.
func (n *Newton) wake() {
	close(n.changed)
	n.changed = make(chan struct{})
}

// Received returns the names of all commands received so far.
func (n *Newton) Received() []dock.Name {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dock.Name(nil), n.received...)
}

// Packages returns the package data received through lpkg.
func (n *Newton) Packages() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.packages...)
}

// Desktop returns the desktop info received during the handshake.
func (n *Newton) Desktop() *dock.DesktopInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.desktop
}

// Current returns the store and soup last selected by the desktop.
func (n *Newton) Current() (dock.Store, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store, n.soup
}

type pipeReader struct {
	ctx  context.Context
	pipe *mnp.Pipe
}

func (r *pipeReader) Read(p []byte) (int, error) {
	return r.pipe.ReadContext(r.ctx, p)
}
