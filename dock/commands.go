package dock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/drunlade/go-ncu/nsof"
)

// Command names
var (
	NameRequestToDock        = MustName("rtdk")
	NameInitiateDocking      = MustName("dock")
	NameNewtonName           = MustName("name")
	NameDesktopInfo          = MustName("dinf")
	NameResult               = MustName("dres")
	NameSetTimeout           = MustName("stim")
	NameHello                = MustName("helo")
	NameDisconnect           = MustName("disc")
	NameOperationDone        = MustName("opdn")
	NameOperationCanceled    = MustName("opca")
	NameOperationCanceledAck = MustName("ocaa")
	NameLoadPackage          = MustName("lpkg")
	NameGetStoreNames        = MustName("gsto")
	NameStoreNames           = MustName("stor")
	NameSetCurrentStore      = MustName("ssto")
	NameGetSoupNames         = MustName("gets")
	NameSoupNames            = MustName("soup")
	NameSetCurrentSoup       = MustName("ssou")
	NameEntry                = MustName("entr")
)

// Protocol and session constants
const (
	ProtocolVersion = 10

	DesktopMac     = 0
	DesktopWindows = 1

	SessionNone        = 0
	SessionSettingUp   = 1
	SessionSynchronize = 2
	SessionRestore     = 3
	SessionLoadPackage = 4
	SessionTestComm    = 5

	// MaxSoupNameLength is the longest soup name, in UTF-16 code units,
	// that may be made current
	MaxSoupNameLength = 37
)

// payloadReader walks a big-endian payload
type payloadReader struct {
	b   []byte
	err error
}

func (r *payloadReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.err = fmt.Errorf("payload truncated: need 4 bytes, have %d", len(r.b))
		return 0
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *payloadReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = fmt.Errorf("payload truncated: need %d bytes, have %d", n, len(r.b))
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

// marshalLong encodes the payload of commands carrying one 32-bit value
func marshalLong(v uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, v), nil
}

func unmarshalLong(payload []byte) (uint32, error) {
	r := payloadReader{b: payload}
	v := r.uint32()
	return v, r.err
}

// RequestToDock opens a docking session from the Newton.
type RequestToDock struct {
	Protocol uint32
}

func (*RequestToDock) Name() Name                        { return NameRequestToDock }
func (c *RequestToDock) MarshalPayload() ([]byte, error) { return marshalLong(c.Protocol) }
func (c *RequestToDock) UnmarshalPayload(p []byte) (err error) {
	c.Protocol, err = unmarshalLong(p)
	return err
}

// InitiateDocking answers RequestToDock with the session type.
type InitiateDocking struct {
	SessionType uint32
}

func (*InitiateDocking) Name() Name                        { return NameInitiateDocking }
func (c *InitiateDocking) MarshalPayload() ([]byte, error) { return marshalLong(c.SessionType) }
func (c *InitiateDocking) UnmarshalPayload(p []byte) (err error) {
	c.SessionType, err = unmarshalLong(p)
	return err
}

// Result is the generic reply; zero is success.
type Result struct {
	Code int32
}

func (*Result) Name() Name                        { return NameResult }
func (c *Result) MarshalPayload() ([]byte, error) { return marshalLong(uint32(c.Code)) }
func (c *Result) UnmarshalPayload(p []byte) error {
	v, err := unmarshalLong(p)
	c.Code = int32(v)
	return err
}

// SetTimeout sets the Newton's session timeout.
type SetTimeout struct {
	Seconds uint32
}

func (*SetTimeout) Name() Name                        { return NameSetTimeout }
func (c *SetTimeout) MarshalPayload() ([]byte, error) { return marshalLong(c.Seconds) }
func (c *SetTimeout) UnmarshalPayload(p []byte) (err error) {
	c.Seconds, err = unmarshalLong(p)
	return err
}

// empty is embedded by commands without a payload
type empty struct{}

func (empty) MarshalPayload() ([]byte, error) { return nil, nil }
func (empty) UnmarshalPayload([]byte) error   { return nil }

// Hello is a keep-alive.
type Hello struct{ empty }

// Disconnect ends the session from either side.
type Disconnect struct{ empty }

// OperationDone tells the desktop the Newton has finished with it.
type OperationDone struct{ empty }

// OperationCanceled aborts the operation in progress.
type OperationCanceled struct{ empty }

// OperationCanceledAck acknowledges OperationCanceled.
type OperationCanceledAck struct{ empty }

// GetStoreNames asks for the Newton's stores; the reply is StoreNames.
type GetStoreNames struct{ empty }

// GetSoupNames asks for the soups on the current store; the reply is
// SoupNames.
type GetSoupNames struct{ empty }

func (*Hello) Name() Name                { return NameHello }
func (*Disconnect) Name() Name           { return NameDisconnect }
func (*OperationDone) Name() Name        { return NameOperationDone }
func (*OperationCanceled) Name() Name    { return NameOperationCanceled }
func (*OperationCanceledAck) Name() Name { return NameOperationCanceledAck }
func (*GetStoreNames) Name() Name        { return NameGetStoreNames }
func (*GetSoupNames) Name() Name         { return NameGetSoupNames }

// NewtonInfo describes the Newton's hardware and system software.
type NewtonInfo struct {
	NewtonID         uint32
	Manufacturer     uint32
	MachineType      uint32
	ROMVersion       uint32
	ROMStage         uint32
	RAMSize          uint32
	ScreenHeight     uint32
	ScreenWidth      uint32
	PatchVersion     uint32
	NOSVersion       uint32
	InternalStoreSig uint32
	VertScreenRes    uint32
	HorizScreenRes   uint32
	ScreenDepth      uint32
}

func (i *NewtonInfo) fields() []*uint32 {
	return []*uint32{
		&i.NewtonID, &i.Manufacturer, &i.MachineType, &i.ROMVersion, &i.ROMStage,
		&i.RAMSize, &i.ScreenHeight, &i.ScreenWidth, &i.PatchVersion, &i.NOSVersion,
		&i.InternalStoreSig, &i.VertScreenRes, &i.HorizScreenRes, &i.ScreenDepth,
	}
}

// NewtonName carries the Newton's info block and owner name.
type NewtonName struct {
	Info  NewtonInfo
	Owner string
}

func (*NewtonName) Name() Name { return NameNewtonName }

func (c *NewtonName) MarshalPayload() ([]byte, error) {
	fields := c.Info.fields()
	out := binary.BigEndian.AppendUint32(nil, uint32(4*len(fields)))
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, *f)
	}
	return append(out, EncodeUTF16(c.Owner)...), nil
}

func (c *NewtonName) UnmarshalPayload(p []byte) error {
	r := payloadReader{b: p}
	info := r.next(int(r.uint32()))
	if r.err != nil {
		return r.err
	}
	for i, f := range c.Info.fields() {
		if len(info) < 4*(i+1) {
			break
		}
		*f = binary.BigEndian.Uint32(info[4*i:])
	}
	owner, err := DecodeUTF16(r.b)
	c.Owner = owner
	return err
}

// DesktopApp is one entry in DesktopInfo's application list.
type DesktopApp struct {
	Name     string
	ID       int32
	Version  int32
	DoesAuto bool
}

// DesktopInfo describes the desktop to the Newton.
type DesktopInfo struct {
	ProtocolVersion    uint32
	DesktopType        uint32
	Key                [8]byte
	SessionType        uint32
	AllowSelectiveSync bool
	Apps               []DesktopApp
}

func (*DesktopInfo) Name() Name { return NameDesktopInfo }

func (c *DesktopInfo) MarshalPayload() ([]byte, error) {
	out := binary.BigEndian.AppendUint32(nil, c.ProtocolVersion)
	out = binary.BigEndian.AppendUint32(out, c.DesktopType)
	out = append(out, c.Key[:]...)
	out = binary.BigEndian.AppendUint32(out, c.SessionType)
	sel := uint32(0)
	if c.AllowSelectiveSync {
		sel = 1
	}
	out = binary.BigEndian.AppendUint32(out, sel)

	a := nsof.NewArena()
	apps := make([]nsof.Ref, 0, len(c.Apps))
	for _, app := range c.Apps {
		f := a.NewFrame()
		a.SetSlot(f, "name", a.NewString(app.Name))
		a.SetSlot(f, "id", a.NewInt(app.ID))
		a.SetSlot(f, "version", a.NewInt(app.Version))
		a.SetSlot(f, "doesAuto", nsof.Bool(app.DoesAuto))
		apps = append(apps, f)
	}
	obj, err := nsof.Marshal(a, a.NewArray(nsof.Nil, apps...))
	if err != nil {
		return nil, err
	}
	return append(out, obj...), nil
}

func (c *DesktopInfo) UnmarshalPayload(p []byte) error {
	r := payloadReader{b: p}
	c.ProtocolVersion = r.uint32()
	c.DesktopType = r.uint32()
	copy(c.Key[:], r.next(8))
	c.SessionType = r.uint32()
	c.AllowSelectiveSync = r.uint32() != 0
	if r.err != nil {
		return r.err
	}
	a, root, err := nsof.Unmarshal(r.b)
	if err != nil {
		return err
	}
	c.Apps = c.Apps[:0]
	for _, f := range a.Elems(root) {
		c.Apps = append(c.Apps, DesktopApp{
			Name:     a.GetString(f, "name"),
			ID:       a.GetInt(f, "id"),
			Version:  a.GetInt(f, "version"),
			DoesAuto: a.Get(f, "doesAuto") != nsof.Nil,
		})
	}
	return nil
}

// LoadPackage installs a package on the Newton.
type LoadPackage struct {
	Data []byte
}

func (*LoadPackage) Name() Name                        { return NameLoadPackage }
func (c *LoadPackage) MarshalPayload() ([]byte, error) { return c.Data, nil }
func (c *LoadPackage) UnmarshalPayload(p []byte) error {
	c.Data = append([]byte(nil), p...)
	return nil
}

// Store describes one Newton store.
type Store struct {
	Name         string
	Kind         string
	Signature    int32
	TotalSize    int32
	UsedSize     int32
	ReadOnly     bool
	DefaultStore bool
}

func (s Store) frame(a *nsof.Arena) nsof.Ref {
	f := a.NewFrame()
	a.SetSlot(f, "name", a.NewString(s.Name))
	a.SetSlot(f, "kind", a.NewString(s.Kind))
	a.SetSlot(f, "signature", a.NewInt(s.Signature))
	a.SetSlot(f, "totalSize", a.NewInt(s.TotalSize))
	a.SetSlot(f, "usedSize", a.NewInt(s.UsedSize))
	a.SetSlot(f, "readOnly", nsof.Bool(s.ReadOnly))
	a.SetSlot(f, "defaultStore", nsof.Bool(s.DefaultStore))
	return f
}

func storeFromFrame(a *nsof.Arena, f nsof.Ref) Store {
	return Store{
		Name:         a.GetString(f, "name"),
		Kind:         a.GetString(f, "kind"),
		Signature:    a.GetInt(f, "signature"),
		TotalSize:    a.GetInt(f, "totalSize"),
		UsedSize:     a.GetInt(f, "usedSize"),
		ReadOnly:     a.Get(f, "readOnly") != nsof.Nil,
		DefaultStore: a.Get(f, "defaultStore") != nsof.Nil,
	}
}

// StoreNames lists the Newton's stores.
type StoreNames struct {
	Stores []Store
}

func (*StoreNames) Name() Name { return NameStoreNames }

func (c *StoreNames) MarshalPayload() ([]byte, error) {
	a := nsof.NewArena()
	frames := make([]nsof.Ref, 0, len(c.Stores))
	for _, s := range c.Stores {
		frames = append(frames, s.frame(a))
	}
	return nsof.Marshal(a, a.NewArray(nsof.Nil, frames...))
}

func (c *StoreNames) UnmarshalPayload(p []byte) error {
	a, root, err := nsof.Unmarshal(p)
	if err != nil {
		return err
	}
	c.Stores = c.Stores[:0]
	for _, f := range a.Elems(root) {
		c.Stores = append(c.Stores, storeFromFrame(a, f))
	}
	return nil
}

// SetCurrentStore selects the store later soup commands apply to.
type SetCurrentStore struct {
	Store Store
}

func (*SetCurrentStore) Name() Name { return NameSetCurrentStore }

func (c *SetCurrentStore) MarshalPayload() ([]byte, error) {
	a := nsof.NewArena()
	f := a.NewFrame()
	a.SetSlot(f, "name", a.NewString(c.Store.Name))
	a.SetSlot(f, "kind", a.NewString(c.Store.Kind))
	a.SetSlot(f, "signature", a.NewInt(c.Store.Signature))
	return nsof.Marshal(a, f)
}

func (c *SetCurrentStore) UnmarshalPayload(p []byte) error {
	a, root, err := nsof.Unmarshal(p)
	if err != nil {
		return err
	}
	c.Store = storeFromFrame(a, root)
	return nil
}

// SoupNames lists the soups on the current store with their signatures.
type SoupNames struct {
	Names      []string
	Signatures []int32
}

func (*SoupNames) Name() Name { return NameSoupNames }

func (c *SoupNames) MarshalPayload() ([]byte, error) {
	a := nsof.NewArena()
	names := make([]nsof.Ref, 0, len(c.Names))
	for _, n := range c.Names {
		names = append(names, a.NewString(n))
	}
	sigs := make([]nsof.Ref, 0, len(c.Signatures))
	for _, s := range c.Signatures {
		sigs = append(sigs, a.NewInt(s))
	}
	out, err := nsof.Marshal(a, a.NewArray(nsof.Nil, names...))
	if err != nil {
		return nil, err
	}
	more, err := nsof.Marshal(a, a.NewArray(nsof.Nil, sigs...))
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

func (c *SoupNames) UnmarshalPayload(p []byte) error {
	r := bytes.NewReader(p)
	a, names, err := nsof.Decode(r)
	if err != nil {
		return err
	}
	c.Names = c.Names[:0]
	for _, n := range a.Elems(names) {
		s, _ := a.Str(n)
		c.Names = append(c.Names, s)
	}
	b, sigs, err := nsof.Decode(r)
	if err != nil {
		return err
	}
	c.Signatures = c.Signatures[:0]
	for _, s := range b.Elems(sigs) {
		v, _ := b.Int(s)
		c.Signatures = append(c.Signatures, v)
	}
	return nil
}

// SetCurrentSoup selects a soup on the current store by name.
type SetCurrentSoup struct {
	Soup string
}

func (*SetCurrentSoup) Name() Name { return NameSetCurrentSoup }

func (c *SetCurrentSoup) MarshalPayload() ([]byte, error) {
	if n := UTF16Len(c.Soup); n > MaxSoupNameLength {
		return nil, &Error{
			Kind:    KindValueTooLong,
			Message: fmt.Sprintf("soup name of %d characters, limit %d", n, MaxSoupNameLength),
			Command: NameSetCurrentSoup,
		}
	}
	return EncodeUTF16(c.Soup), nil
}

func (c *SetCurrentSoup) UnmarshalPayload(p []byte) (err error) {
	c.Soup, err = DecodeUTF16(p)
	return err
}

// Entry carries one soup entry.
type Entry struct {
	Arena *nsof.Arena
	Root  nsof.Ref
}

func (*Entry) Name() Name { return NameEntry }

func (c *Entry) MarshalPayload() ([]byte, error) {
	if c.Arena == nil {
		return nil, fmt.Errorf("entry has no arena")
	}
	return nsof.Marshal(c.Arena, c.Root)
}

func (c *Entry) UnmarshalPayload(p []byte) (err error) {
	c.Arena, c.Root, err = nsof.Unmarshal(p)
	return err
}

// Raw is any command the caller encodes itself.
type Raw struct {
	Cmd     Name
	Payload []byte
}

func (c *Raw) Name() Name                      { return c.Cmd }
func (c *Raw) MarshalPayload() ([]byte, error) { return c.Payload, nil }
func (c *Raw) UnmarshalPayload(p []byte) error {
	c.Payload = append([]byte(nil), p...)
	return nil
}

func init() {
	for _, c := range []Codec{
		{NameRequestToDock, func() Command { return &RequestToDock{} }},
		{NameInitiateDocking, func() Command { return &InitiateDocking{} }},
		{NameNewtonName, func() Command { return &NewtonName{} }},
		{NameDesktopInfo, func() Command { return &DesktopInfo{} }},
		{NameResult, func() Command { return &Result{} }},
		{NameSetTimeout, func() Command { return &SetTimeout{} }},
		{NameHello, func() Command { return &Hello{} }},
		{NameDisconnect, func() Command { return &Disconnect{} }},
		{NameOperationDone, func() Command { return &OperationDone{} }},
		{NameOperationCanceled, func() Command { return &OperationCanceled{} }},
		{NameOperationCanceledAck, func() Command { return &OperationCanceledAck{} }},
		{NameLoadPackage, func() Command { return &LoadPackage{} }},
		{NameGetStoreNames, func() Command { return &GetStoreNames{} }},
		{NameStoreNames, func() Command { return &StoreNames{} }},
		{NameSetCurrentStore, func() Command { return &SetCurrentStore{} }},
		{NameGetSoupNames, func() Command { return &GetSoupNames{} }},
		{NameSoupNames, func() Command { return &SoupNames{} }},
		{NameSetCurrentSoup, func() Command { return &SetCurrentSoup{} }},
		{NameEntry, func() Command { return &Entry{} }},
	} {
		Register(c)
	}
}
