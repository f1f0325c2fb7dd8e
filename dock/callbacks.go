package dock

// Callbacks provides hooks for session events.
// All callbacks are optional. They run synchronously: inbound events on
// the session's dispatch goroutine, outbound events on the writer's.
type Callbacks struct {
	// OnCommandReceiving is called as an inbound payload arrives.
	OnCommandReceiving func(name Name, received, total int64)

	// OnCommandReceived is called for every decoded inbound command, in
	// receipt order.
	OnCommandReceived func(cmd Command)

	// OnCommandSending is called as an outbound envelope is written.
	// rate is in bytes per second.
	OnCommandSending func(name Name, sent, total int64, rate float64)

	// OnCommandSent is called once an outbound command has been written.
	OnCommandSent func(cmd Command)

	// OnCommandEOF is called once when the link stops delivering commands.
	OnCommandEOF func()

	// OnError is called for errors that do not end the session, such as
	// unknown commands.
	OnError func(err error)

	// OnStateChange is called after every session state change.
	OnStateChange func(from, to State)
}

func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnCommandReceiving: func(Name, int64, int64) {},
		OnCommandReceived:  func(Command) {},
		OnCommandSending:   func(Name, int64, int64, float64) {},
		OnCommandSent:      func(Command) {},
		OnCommandEOF:       func() {},
		OnError:            func(error) {},
		OnStateChange:      func(State, State) {},
	}
}

// mergeCallbacks fills nil user callbacks with the no-op defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	def := defaultCallbacks()
	if user == nil {
		return def
	}

	result := *user
	if result.OnCommandReceiving == nil {
		result.OnCommandReceiving = def.OnCommandReceiving
	}
	if result.OnCommandReceived == nil {
		result.OnCommandReceived = def.OnCommandReceived
	}
	if result.OnCommandSending == nil {
		result.OnCommandSending = def.OnCommandSending
	}
	if result.OnCommandSent == nil {
		result.OnCommandSent = def.OnCommandSent
	}
	if result.OnCommandEOF == nil {
		result.OnCommandEOF = def.OnCommandEOF
	}
	if result.OnError == nil {
		result.OnError = def.OnError
	}
	if result.OnStateChange == nil {
		result.OnStateChange = def.OnStateChange
	}
	return &result
}
