package dock

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"

	"github.com/drunlade/go-ncu/internal/testsupport"
	"github.com/drunlade/go-ncu/nsof"
)

// roundTrip encodes cmd, decodes it through the registry and returns the
// decoded command.
func roundTrip(t *testing.T, cmd Command) Command {
	t.Helper()
	payload, err := cmd.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal %s: %v", cmd.Name(), err)
	}
	h, body, err := ReadCommand(bytes.NewReader(EncodeEnvelope(cmd.Name(), payload)))
	if err != nil {
		t.Fatalf("read %s: %v", cmd.Name(), err)
	}
	got, err := Decode(h.Name, body)
	if err != nil {
		t.Fatalf("decode %s: %v", cmd.Name(), err)
	}
	return got
}

func TestCommandRoundTrips(t *testing.T) {
	owner := randomdata.SillyName()
	cmds := []Command{
		&RequestToDock{Protocol: ProtocolVersion},
		&InitiateDocking{SessionType: SessionLoadPackage},
		&Result{Code: -28012},
		&SetTimeout{Seconds: uint32(randomdata.Number(1, 600))},
		&Hello{},
		&Disconnect{},
		&OperationCanceled{},
		&NewtonName{
			Info:  NewtonInfo{NewtonID: 7, ScreenHeight: 480, ScreenWidth: 320, ScreenDepth: 4},
			Owner: owner,
		},
		&DesktopInfo{
			ProtocolVersion: ProtocolVersion,
			DesktopType:     DesktopWindows,
			Key:             [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
			SessionType:     SessionSettingUp,
			Apps: []DesktopApp{
				{Name: randomdata.Noun(), ID: 2, Version: 1, DoesAuto: true},
				{Name: randomdata.Adjective(), ID: 3, Version: 9},
			},
		},
		&LoadPackage{Data: []byte("package\x00body")},
		&StoreNames{Stores: []Store{
			{Name: "Internal", Kind: "Internal", Signature: 123, TotalSize: 1 << 20, UsedSize: 4096, DefaultStore: true},
			{Name: "Card", Kind: "Flash", Signature: -1, ReadOnly: true},
		}},
		&SetCurrentSoup{Soup: "Names"},
		&SoupNames{Names: []string{"Names", "Notes", "Calendar"}, Signatures: []int32{1, 2, 1 << 30}},
	}
	for _, cmd := range cmds {
		got := roundTrip(t, cmd)
		if !reflect.DeepEqual(got, cmd) {
			t.Fatalf("%s round trip:%s", cmd.Name(), testsupport.ExpectedActual(cmd, got))
		}
	}
}

func TestSetCurrentStoreCarriesIdentity(t *testing.T) {
	store := Store{Name: "Internal", Kind: "Internal", Signature: 42, TotalSize: 99}
	got := roundTrip(t, &SetCurrentStore{Store: store}).(*SetCurrentStore)
	if got.Store.Name != store.Name || got.Store.Kind != store.Kind || got.Store.Signature != store.Signature {
		t.Fatal(testsupport.ExpectedActual(store, got.Store))
	}
	if got.Store.TotalSize != 0 {
		t.Fatalf("size is not part of the selection, got %d", got.Store.TotalSize)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	a := nsof.NewArena()
	f := a.NewFrame()
	a.SetSlot(f, "name", a.NewString(randomdata.SillyName()))
	a.SetSlot(f, "age", a.NewInt(int32(randomdata.Number(1, 99))))

	got := roundTrip(t, &Entry{Arena: a, Root: f}).(*Entry)
	if !a.Equal(f, got.Arena, got.Root) {
		t.Fatalf("entry differs after round trip:\n%s\n%s", a.Format(f), got.Arena.Format(got.Root))
	}
}

func TestSoupNameLimit(t *testing.T) {
	ok := strings.Repeat("s", MaxSoupNameLength)
	if _, err := (&SetCurrentSoup{Soup: ok}).MarshalPayload(); err != nil {
		t.Fatalf("%d characters should be accepted: %v", MaxSoupNameLength, err)
	}
	payload, err := (&SetCurrentSoup{Soup: ok + "s"}).MarshalPayload()
	if !IsTooLong(err) {
		t.Fatalf("expected value too long, got %v", err)
	}
	if payload != nil {
		t.Fatalf("no bytes may be produced, got %d", len(payload))
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	_, err := Decode(MustName("zzzz"), nil)
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDecodeBadPayload(t *testing.T) {
	_, err := Decode(NameResult, []byte{1, 2})
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	_, err = Decode(NameStoreNames, []byte{nsof.Version, 99})
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestRegisterAfterLookupPanics(t *testing.T) {
	Lookup(NameHello)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	Register(Codec{Name: MustName("late"), New: func() Command { return &Raw{} }})
}

func TestResultErrorCode(t *testing.T) {
	var err error = &ResultError{Code: -10000}
	code, ok := IsResult(err)
	if !ok || code != -10000 {
		t.Fatalf("IsResult = %d,%v", code, ok)
	}
	if _, ok := IsResult(NewError(KindTimeout, "x")); ok {
		t.Fatalf("a timeout is not a result")
	}
}

func TestProgressTracker(t *testing.T) {
	var reports []int64
	pt := NewProgressTracker(func(_ Name, n, total int64, _ float64) {
		reports = append(reports, n)
	}, time.Hour)

	pt.Start(NameLoadPackage, 300)
	pt.Update(100, 300)
	pt.Update(300, 300)
	pt.Complete()

	if len(reports) != 1 || reports[0] != 300 {
		t.Fatalf("within the interval only completion reports, got %v", reports)
	}
}

func TestMergeCallbacks(t *testing.T) {
	var got error
	cb := mergeCallbacks(&Callbacks{OnError: func(err error) { got = err }})
	cb.OnCommandEOF()
	cb.OnStateChange(Idle, AwaitingDock)
	cb.OnError(NewError(KindProtocol, "x"))
	if !IsProtocol(got) {
		t.Fatalf("user callback not kept")
	}
	mergeCallbacks(nil).OnCommandSent(&Hello{})
}

func TestStateTransitions(t *testing.T) {
	allowed := [][2]State{
		{Idle, AwaitingDock},
		{Handshaking, Cancelled},
		{Handshaking, AwaitingDock},
		{Cancelled, Ready},
		{Cancelled, AwaitingDock},
		{Handshaking, Finished},
	}
	for _, tr := range allowed {
		if !canTransition(tr[0], tr[1]) {
			t.Fatalf("transition %s>%s refused", tr[0], tr[1])
		}
	}
	if canTransition(AwaitingDock, Ready) || canTransition(Finished, Ready) || canTransition(Ready, AwaitingDock) {
		t.Fatalf("undocumented transition allowed")
	}
}
