package dock_test

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"

	"github.com/drunlade/go-ncu/dock"
	"github.com/drunlade/go-ncu/internal/newtsim"
	"github.com/drunlade/go-ncu/internal/testsupport"
	"github.com/drunlade/go-ncu/mnp"
	"github.com/drunlade/go-ncu/transport"
)

// recorder collects session events from the dispatch and writer goroutines.
type recorder struct {
	mu       sync.Mutex
	states   []string
	received []dock.Name
	sent     []dock.Name
	sending  [][2]int64
	errs     []error
	eof      int
}

func (r *recorder) callbacks() *dock.Callbacks {
	return &dock.Callbacks{
		OnCommandReceived: func(cmd dock.Command) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, cmd.Name())
		},
		OnCommandSending: func(_ dock.Name, sent, total int64, _ float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sending = append(r.sending, [2]int64{sent, total})
		},
		OnCommandSent: func(cmd dock.Command) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, cmd.Name())
		},
		OnCommandEOF: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.eof++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnStateChange: func(from, to dock.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, from.String()+">"+to.String())
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:   append([]string(nil), r.states...),
		received: append([]dock.Name(nil), r.received...),
		sent:     append([]dock.Name(nil), r.sent...),
		sending:  append([][2]int64(nil), r.sending...),
		errs:     append([]error(nil), r.errs...),
		eof:      r.eof,
	}
}

func pipeConfig() mnp.Config {
	cfg := mnp.DefaultConfig()
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

type harness struct {
	session *dock.Session
	newton  *newtsim.Newton
	rec     *recorder
	stopSim context.CancelFunc
	simDone chan error
}

// start runs a simulated Newton against a desktop session and brings the
// MNP link up. The dock handshake is left to the test.
func start(t *testing.T, simOpts []newtsim.Option, cfg dock.Config) *harness {
	t.Helper()
	log := testsupport.Start(t)
	a, b := transport.Pair()

	simCtx, stopSim := context.WithCancel(context.Background())
	h := &harness{
		newton:  newtsim.New(append(simOpts, newtsim.WithLogger(log), newtsim.WithPipeConfig(pipeConfig()))...),
		rec:     &recorder{},
		stopSim: stopSim,
		simDone: make(chan error, 1),
	}
	go func() { h.simDone <- h.newton.Run(simCtx, b) }()

	pipe := mnp.NewPipe(a, mnp.WithConfig(pipeConfig()), mnp.WithLogger(log))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		stopSim()
		pipe.Close()
	})
	if err := pipe.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}

	h.session = dock.NewSession(pipe,
		dock.WithConfig(cfg),
		dock.WithCallbacks(h.rec.callbacks()),
		dock.WithLogger(log),
	)
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h
}

func docked(t *testing.T, simOpts ...newtsim.Option) *harness {
	t.Helper()
	h := start(t, simOpts, dock.DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.session.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandshakeReachesReady(t *testing.T) {
	owner := randomdata.SillyName()
	h := docked(t, newtsim.WithOwner(owner))

	if h.session.State() != dock.Ready {
		t.Fatal(testsupport.ExpectedActual(dock.Ready, h.session.State()))
	}
	if got := h.session.Newton(); got == nil || got.Owner != owner {
		t.Fatalf("unexpected newton %+v", got)
	}
	if got := h.session.Newton().Info.ScreenWidth; got != 320 {
		t.Fatal(testsupport.ExpectedActual[uint32](320, got))
	}

	desktop := h.newton.Desktop()
	if desktop == nil || desktop.ProtocolVersion != dock.ProtocolVersion || len(desktop.Apps) != 1 {
		t.Fatalf("unexpected desktop info %+v", desktop)
	}

	snap := h.rec.snapshot()
	want := []string{"idle>awaiting-dock", "awaiting-dock>handshaking", "handshaking>ready"}
	if strings.Join(snap.states, " ") != strings.Join(want, " ") {
		t.Fatal(testsupport.ExpectedActual(want, snap.states))
	}
	wantRecv := []dock.Name{dock.NameRequestToDock, dock.NameNewtonName, dock.NameResult}
	if len(snap.received) != len(wantRecv) {
		t.Fatal(testsupport.ExpectedActual(wantRecv, snap.received))
	}
	for i := range wantRecv {
		if snap.received[i] != wantRecv[i] {
			t.Fatal(testsupport.ExpectedActual(wantRecv, snap.received))
		}
	}
}

func TestWriteBeforeReady(t *testing.T) {
	idle := dock.NewSession(nil)
	if err := idle.Write(context.Background(), &dock.Hello{}); !dock.IsBadState(err) {
		t.Fatalf("expected bad state, got %v", err)
	}

	h := start(t, nil, dock.DefaultConfig())
	if err := h.session.Write(testContext(t), &dock.Hello{}); !dock.IsBadState(err) {
		t.Fatalf("expected bad state, got %v", err)
	}
	if err := h.session.Handshake(testContext(t)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := h.session.Handshake(testContext(t)); !dock.IsBadState(err) {
		t.Fatalf("second handshake: expected bad state, got %v", err)
	}
}

func TestHandshakeRefused(t *testing.T) {
	h := start(t, []newtsim.Option{newtsim.WithResult(dock.NameDesktopInfo, -28001)}, dock.DefaultConfig())

	err := h.session.Handshake(testContext(t))
	code, ok := dock.IsResult(err)
	if !ok || code != -28001 {
		t.Fatalf("expected result -28001, got %v", err)
	}
	if h.session.State() != dock.AwaitingDock {
		t.Fatal(testsupport.ExpectedActual(dock.AwaitingDock, h.session.State()))
	}

	// Handshake may run again; this Newton never asks a second time.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := h.session.Handshake(ctx); !dock.IsTimeout(err) {
		t.Fatalf("expected timeout waiting for rtdk, got %v", err)
	}
}

func TestResultErrorAbortsOnlyThatOperation(t *testing.T) {
	h := docked(t, newtsim.WithResult(dock.NameSetTimeout, -28012))
	ctx := testContext(t)

	err := h.session.SetTimeout(ctx, 60)
	if code, ok := dock.IsResult(err); !ok || code != -28012 {
		t.Fatalf("expected result -28012, got %v", err)
	}
	if h.session.State() != dock.Ready {
		t.Fatal(testsupport.ExpectedActual(dock.Ready, h.session.State()))
	}
	if _, err := h.session.StoreNames(ctx); err != nil {
		t.Fatalf("store names after a failed result: %v", err)
	}
}

func TestReplyTimeout(t *testing.T) {
	h := docked(t, newtsim.WithSilence(dock.NameSetTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := h.session.SetTimeout(ctx, 30)
	if !dock.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if h.session.State() != dock.Ready {
		t.Fatal(testsupport.ExpectedActual(dock.Ready, h.session.State()))
	}
	if err := h.session.Hello(testContext(t)); err != nil {
		t.Fatalf("hello after timeout: %v", err)
	}
}

func TestNewtonCancel(t *testing.T) {
	h := docked(t)
	ctx := testContext(t)

	if err := h.newton.Send(ctx, &dock.OperationCanceled{}); err != nil {
		t.Fatalf("send opca: %v", err)
	}
	if err := h.newton.WaitFor(ctx, dock.NameOperationCanceledAck); err != nil {
		t.Fatalf("waiting for ocaa: %v", err)
	}
	eventually(t, "ready", func() bool { return h.session.State() == dock.Ready })

	states := strings.Join(h.rec.snapshot().states, " ")
	if !strings.Contains(states, "ready>cancelled cancelled>ready") {
		t.Fatalf("unexpected states %s", states)
	}
}

func TestPackageCancelledByNewton(t *testing.T) {
	h := docked(t, newtsim.WithCancelPackages())
	ctx := testContext(t)

	err := h.session.LoadPackage(ctx, []byte("pkg"))
	if !dock.IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if err := h.newton.WaitFor(ctx, dock.NameOperationCanceledAck); err != nil {
		t.Fatalf("waiting for ocaa: %v", err)
	}
	eventually(t, "ready", func() bool { return h.session.State() == dock.Ready })
	if err := h.session.SetTimeout(ctx, 30); err != nil {
		t.Fatalf("set timeout after cancel: %v", err)
	}
}

func TestUnknownCommandKeepsSession(t *testing.T) {
	h := docked(t)
	ctx := testContext(t)

	if err := h.newton.Send(ctx, &dock.Raw{Cmd: dock.MustName("zzzz"), Payload: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "protocol error", func() bool { return len(h.rec.snapshot().errs) > 0 })
	if err := h.rec.snapshot().errs[0]; !dock.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if h.session.State() != dock.Ready {
		t.Fatal(testsupport.ExpectedActual(dock.Ready, h.session.State()))
	}
	if _, err := h.session.StoreNames(ctx); err != nil {
		t.Fatalf("store names after unknown command: %v", err)
	}
}

func TestLoadPackageProgress(t *testing.T) {
	cfg := dock.DefaultConfig()
	cfg.ChunkSize = 512
	cfg.ProgressInterval = time.Nanosecond
	h := start(t, nil, cfg)
	ctx := testContext(t)
	if err := h.session.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(randomdata.Number(0, 256))
	}
	if err := h.session.LoadPackage(ctx, data); err != nil {
		t.Fatalf("load package: %v", err)
	}

	pkgs := h.newton.Packages()
	if len(pkgs) != 1 || !bytes.Equal(pkgs[0], data) {
		t.Fatalf("newton got %d packages", len(pkgs))
	}

	snap := h.rec.snapshot()
	total := int64(16 + 5000)
	last := snap.sending[len(snap.sending)-1]
	if last[0] != total || last[1] != total {
		t.Fatal(testsupport.ExpectedActual([2]int64{total, total}, last))
	}
	if len(snap.sending) < 3 {
		t.Fatalf("expected intermediate progress, got %v", snap.sending)
	}
	if snap.sent[len(snap.sent)-1] != dock.NameLoadPackage {
		t.Fatalf("unexpected sent commands %v", snap.sent)
	}
}

func TestStoresAndSoups(t *testing.T) {
	stores := []dock.Store{
		{Name: "Internal", Kind: "Internal", Signature: 11, TotalSize: 1 << 20, DefaultStore: true},
		{Name: randomdata.SillyName(), Kind: "Flash", Signature: 22, TotalSize: 2 << 20},
	}
	soups := []string{"Names", "Notes", randomdata.Noun()}
	h := docked(t, newtsim.WithStores(stores...), newtsim.WithSoups(soups, []int32{1, 2, 3}))
	ctx := testContext(t)

	got, err := h.session.StoreNames(ctx)
	if err != nil {
		t.Fatalf("store names: %v", err)
	}
	if len(got) != 2 || got[1] != stores[1] {
		t.Fatal(testsupport.ExpectedActual(stores, got))
	}
	if err := h.session.SetCurrentStore(ctx, got[1]); err != nil {
		t.Fatalf("set store: %v", err)
	}

	names, sigs, err := h.session.SoupNames(ctx)
	if err != nil {
		t.Fatalf("soup names: %v", err)
	}
	if len(names) != 3 || names[2] != soups[2] || sigs[2] != 3 {
		t.Fatalf("unexpected soups %v %v", names, sigs)
	}
	if err := h.session.SetCurrentSoup(ctx, names[0]); err != nil {
		t.Fatalf("set soup: %v", err)
	}

	store, soup := h.newton.Current()
	if store.Name != stores[1].Name || soup != "Names" {
		t.Fatalf("newton selected %q %q", store.Name, soup)
	}
}

func TestSoupNameTooLongSendsNothing(t *testing.T) {
	h := docked(t)
	ctx := testContext(t)

	err := h.session.SetCurrentSoup(ctx, strings.Repeat("x", dock.MaxSoupNameLength+1))
	if !dock.IsTooLong(err) {
		t.Fatalf("expected value too long, got %v", err)
	}
	if _, err := h.session.StoreNames(ctx); err != nil {
		t.Fatalf("store names: %v", err)
	}
	for _, n := range h.newton.Received() {
		if n == dock.NameSetCurrentSoup {
			t.Fatalf("ssou reached the newton")
		}
	}
}

func TestDesktopDisconnect(t *testing.T) {
	h := docked(t)
	ctx := testContext(t)

	if err := h.session.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.session.State() != dock.Finished {
		t.Fatal(testsupport.ExpectedActual(dock.Finished, h.session.State()))
	}
	select {
	case err := <-h.simDone:
		if err != nil {
			t.Fatalf("newton: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("newton did not see the disconnect")
	}
	if err := h.session.Write(ctx, &dock.Hello{}); !dock.IsBadState(err) {
		t.Fatalf("expected bad state after disconnect, got %v", err)
	}
}

func TestNewtonDisconnect(t *testing.T) {
	h := docked(t)

	if err := h.newton.Send(testContext(t), &dock.Disconnect{}); err != nil {
		t.Fatalf("send disc: %v", err)
	}
	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish")
	}
	if !dock.IsDisconnected(h.session.Err()) {
		t.Fatalf("expected disconnected, got %v", h.session.Err())
	}
}

func TestLinkEOF(t *testing.T) {
	h := docked(t)

	h.stopSim()
	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish")
	}
	eventually(t, "eof", func() bool { return h.rec.snapshot().eof == 1 })
	if _, err := h.session.Await(testContext(t), dock.NameResult); !dock.IsDisconnected(err) {
		t.Fatalf("expected disconnected, got %v", err)
	}
}

// peer plays the Newton by hand over a raw MNP pipe so tests can send
// commands the simulator never would.
type peer struct {
	t       *testing.T
	ctx     context.Context
	session *dock.Session
	rec     *recorder
	pipe    *mnp.Pipe
	r       *bufio.Reader
}

func handPeer(t *testing.T) *peer {
	t.Helper()
	log := testsupport.Start(t)
	ctx := testContext(t)
	a, b := transport.Pair()
	desk := mnp.NewPipe(a, mnp.WithConfig(pipeConfig()), mnp.WithLogger(log))
	newton := mnp.NewPipe(b, mnp.WithConfig(pipeConfig()))
	t.Cleanup(func() { desk.Close(); newton.Close() })

	dialed := make(chan error, 1)
	go func() { dialed <- newton.Dial(ctx) }()
	if err := desk.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := <-dialed; err != nil {
		t.Fatalf("dial: %v", err)
	}

	rec := &recorder{}
	s := dock.NewSession(desk, dock.WithCallbacks(rec.callbacks()), dock.WithLogger(log))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return &peer{t: t, ctx: ctx, session: s, rec: rec, pipe: newton, r: bufio.NewReader(newton)}
}

// send writes cmds to the desktop in a single link message.
func (p *peer) send(cmds ...dock.Command) {
	p.t.Helper()
	var buf []byte
	for _, cmd := range cmds {
		payload, err := cmd.MarshalPayload()
		if err != nil {
			p.t.Fatalf("marshal: %v", err)
		}
		buf = append(buf, dock.EncodeEnvelope(cmd.Name(), payload)...)
	}
	if err := p.pipe.Send(p.ctx, buf); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *peer) expect(name dock.Name) {
	p.t.Helper()
	h, _, err := dock.ReadCommand(p.r)
	if err != nil || h.Name != name {
		p.t.Fatalf("expected %s, got %s %v", name, h.Name, err)
	}
}

func (p *peer) handshake() chan error {
	done := make(chan error, 1)
	go func() { done <- p.session.Handshake(p.ctx) }()
	return done
}

func wait(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("handshake still running")
		return nil
	}
}

func TestHandshakeRejectsOtherCommands(t *testing.T) {
	p := handPeer(t)
	handshake := p.handshake()

	p.send(&dock.Hello{})
	p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
	p.expect(dock.NameInitiateDocking)
	p.send(&dock.StoreNames{})
	p.send(&dock.NewtonName{Owner: "early"})
	p.expect(dock.NameDesktopInfo)
	p.send(&dock.Result{})

	if err := wait(t, handshake); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	snap := p.rec.snapshot()
	if len(snap.errs) != 2 || !dock.IsProtocol(snap.errs[0]) || !dock.IsProtocol(snap.errs[1]) {
		t.Fatalf("expected two protocol errors, got %v", snap.errs)
	}
	for _, n := range snap.received {
		if n == dock.NameHello || n == dock.NameStoreNames {
			t.Fatalf("%s was accepted during the handshake", n)
		}
	}
}

func TestCommandAfterDockResultIsKept(t *testing.T) {
	for i := 0; i < 10; i++ {
		p := handPeer(t)
		handshake := p.handshake()

		p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
		p.expect(dock.NameInitiateDocking)
		p.send(&dock.NewtonName{Owner: randomdata.FirstName(randomdata.RandomGender)})
		p.expect(dock.NameDesktopInfo)
		p.send(&dock.Result{}, &dock.SoupNames{Names: []string{"Names"}, Signatures: []int32{1}})

		if err := wait(t, handshake); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		cmd, err := p.session.Await(p.ctx, dock.NameSoupNames)
		if err != nil {
			t.Fatalf("soup after dres: %v", err)
		}
		if got := cmd.(*dock.SoupNames).Names; len(got) != 1 || got[0] != "Names" {
			t.Fatalf("unexpected soups %v", got)
		}
		if errs := p.rec.snapshot().errs; len(errs) != 0 {
			t.Fatalf("unexpected errors %v", errs)
		}
	}
}

func TestNewtonDisconnectDuringHandshake(t *testing.T) {
	p := handPeer(t)
	handshake := p.handshake()

	p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
	p.expect(dock.NameInitiateDocking)
	p.send(&dock.Disconnect{})

	if err := wait(t, handshake); !dock.IsDisconnected(err) {
		t.Fatalf("expected disconnected, got %v", err)
	}
	if p.session.State() != dock.Finished {
		t.Fatal(testsupport.ExpectedActual(dock.Finished, p.session.State()))
	}
	if errs := p.rec.snapshot().errs; len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestNewtonCancelDuringHandshake(t *testing.T) {
	p := handPeer(t)
	handshake := p.handshake()

	p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
	p.expect(dock.NameInitiateDocking)
	p.send(&dock.OperationCanceled{})
	p.expect(dock.NameOperationCanceledAck)

	if err := wait(t, handshake); !dock.IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	eventually(t, "awaiting-dock", func() bool { return p.session.State() == dock.AwaitingDock })
	states := strings.Join(p.rec.snapshot().states, " ")
	if !strings.Contains(states, "handshaking>cancelled cancelled>awaiting-dock") {
		t.Fatalf("unexpected states %s", states)
	}

	// The Newton asks again and docking completes.
	handshake = p.handshake()
	p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
	p.expect(dock.NameInitiateDocking)
	p.send(&dock.NewtonName{Owner: "again"})
	p.expect(dock.NameDesktopInfo)
	p.send(&dock.Result{})
	if err := wait(t, handshake); err != nil {
		t.Fatalf("second handshake: %v", err)
	}
	if p.session.State() != dock.Ready || p.session.Newton().Owner != "again" {
		t.Fatalf("not docked: %s %+v", p.session.State(), p.session.Newton())
	}
}

func TestDesktopDisconnectDuringHandshake(t *testing.T) {
	p := handPeer(t)
	handshake := p.handshake()

	p.send(&dock.RequestToDock{Protocol: dock.ProtocolVersion})
	p.expect(dock.NameInitiateDocking)
	eventually(t, "handshaking", func() bool { return p.session.State() == dock.Handshaking })

	if err := p.session.Disconnect(p.ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	p.expect(dock.NameDisconnect)
	if err := wait(t, handshake); !dock.IsDisconnected(err) {
		t.Fatalf("expected disconnected, got %v", err)
	}
}
