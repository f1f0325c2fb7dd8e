package dock

import (
	"fmt"
	"sync"
)

// Command is one typed dock command.
type Command interface {
	Name() Name
	MarshalPayload() ([]byte, error)
	UnmarshalPayload(payload []byte) error
}

// Codec creates empty commands of one name for decoding.
type Codec struct {
	Name Name
	New  func() Command
}

var registry = struct {
	sync.RWMutex
	codecs map[Name]Codec
	frozen bool
}{codecs: make(map[Name]Codec)}

// Register adds a codec. It must be called during program initialization;
// registering after the first lookup panics.
func Register(c Codec) {
	registry.Lock()
	defer registry.Unlock()
	if registry.frozen {
		panic(fmt.Sprintf("dock: Register(%s) after the registry was frozen", c.Name))
	}
	if _, dup := registry.codecs[c.Name]; dup {
		panic(fmt.Sprintf("dock: duplicate codec for %s", c.Name))
	}
	registry.codecs[c.Name] = c
}

// Lookup returns the codec registered for name.
func Lookup(name Name) (Codec, bool) {
	registry.RLock()
	c, ok := registry.codecs[name]
	frozen := registry.frozen
	registry.RUnlock()
	if !frozen {
		registry.Lock()
		registry.frozen = true
		registry.Unlock()
	}
	return c, ok
}

// Decode builds the typed command for name from payload. An unregistered
// name or an undecodable payload is a protocol error.
func Decode(name Name, payload []byte) (Command, error) {
	c, ok := Lookup(name)
	if !ok {
		return nil, protocolError(name, "unknown command", nil)
	}
	cmd := c.New()
	if err := cmd.UnmarshalPayload(payload); err != nil {
		return nil, protocolError(name, "bad payload", err)
	}
	return cmd, nil
}
