package ble

// State is the session lifecycle position. Transitions happen only inside
// Session.handleEvent, so the state needs no locking.
type State int

const (
	// StateConnecting covers the ordered capability setup in NewSession.
	StateConnecting State = iota
	// StateAwaitingReady means setup succeeded and discovery is running.
	StateAwaitingReady
	// StateReady means discovery completed successfully.
	StateReady
	// StateSubscribed means the sensor notification registration was issued.
	StateSubscribed
	// StateTornDown is terminal: all resources released.
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateSubscribed:
		return "subscribed"
	case StateTornDown:
		return "torn-down"
	}
	return "unknown"
}

// event is one asynchronous occurrence delivered to the session loop. The
// capability callbacks translate into these variants so the whole state
// machine lives in a single transition function and can be driven by
// synthetic events in tests.
type event interface {
	isEvent()
}

// readyEvent reports discovery completion.
type readyEvent struct {
	ok      bool
	attCode uint8
}

// serviceChangedEvent reports a peer-initiated attribute table change.
type serviceChangedEvent struct {
	start uint16
	end   uint16
}

// notifyEvent carries one incoming notification payload.
type notifyEvent struct {
	handle uint16
	data   []byte
}

// registrationResultEvent carries the peer's answer to a notify registration.
type registrationResultEvent struct {
	attCode uint8
}

// disconnectEvent reports that the peer or the link dropped the session.
type disconnectEvent struct {
	reason error
}

func (readyEvent) isEvent()              {}
func (serviceChangedEvent) isEvent()     {}
func (notifyEvent) isEvent()             {}
func (registrationResultEvent) isEvent() {}
func (disconnectEvent) isEvent()         {}
