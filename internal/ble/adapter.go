// Package ble implements the client session for a Nordic Thingy:52
// environment sensor. It drives the ordered setup of a GATT session over an
// established link, subscribes to the configured sensor characteristic, and
// routes incoming notifications to the payload decoders.
package ble

// Thingy:52 environment service UUIDs. The session core addresses
// characteristics by their well-known value handles; the concrete stack maps
// those handles to these UUIDs during discovery.
const (
	EnvServiceUUID      = "ef680200-9b35-4933-9b10-52ffa9740042"
	TemperatureCharUUID = "ef680201-9b35-4933-9b10-52ffa9740042"
	PressureCharUUID    = "ef680202-9b35-4933-9b10-52ffa9740042"
	HumidityCharUUID    = "ef680203-9b35-4933-9b10-52ffa9740042"
	GasCharUUID         = "ef680204-9b35-4933-9b10-52ffa9740042"
)

// SubscriptionID identifies one notification registration with the GATT
// client capability. Zero is never a valid identifier.
type SubscriptionID uint

// Conn is the product of the link-layer transport connect. How the link is
// established (address resolution, security negotiation) is the caller's
// business; the session only needs something it can hand to the stack and
// close exactly once.
type Conn interface {
	// Close releases the underlying link. Idempotent.
	Close() error
}

// Bearer is the attribute-protocol transport wrapped around a Conn.
type Bearer interface {
	// SetCloseOnRelease ties the Conn's lifetime to the bearer: when set,
	// releasing the bearer closes the underlying link.
	SetCloseOnRelease(on bool) error
	// OnDisconnect registers the peer-disconnect observer.
	OnDisconnect(cb func(reason error)) error
	// Release frees the bearer. Idempotent.
	Release() error
}

// Database is the per-session attribute database. The session owns it
// exclusively until the GATT client capability takes shared ownership at
// construction; afterward the client is its sole mutator.
type Database interface {
	// OnServiceAdded registers an observer for services appearing in the
	// database during discovery or rediscovery.
	OnServiceAdded(cb func(uuid string, start, end uint16))
	// OnServiceRemoved registers an observer for services dropped from the
	// database after a peer-initiated service change.
	OnServiceRemoved(cb func(uuid string, start, end uint16))
	// Release frees the database reference. Idempotent.
	Release() error
}

// Client is the GATT client capability built over a Bearer and a Database.
// It performs MTU negotiation and attribute discovery and delivers the
// session's asynchronous events.
type Client interface {
	// OnReady registers the discovery-completion observer. The callback
	// fires at most once, before any notification for discovered attributes;
	// ok=false carries the peer's ATT error code.
	OnReady(cb func(ok bool, attCode uint8)) error
	// OnServiceChanged registers the observer for peer-initiated attribute
	// table changes within a handle range.
	OnServiceChanged(cb func(start, end uint16)) error
	// RegisterNotify subscribes to notifications on a characteristic value
	// handle. The result callback reports the peer's ATT error code for the
	// registration (zero = active); the value callback delivers each
	// notification. Returns a zero id and an error if no registration could
	// be made.
	RegisterNotify(handle uint16, result func(attCode uint8), value func(handle uint16, data []byte)) (SubscriptionID, error)
	// Ready reports whether discovery has completed successfully.
	Ready() bool
	// MTU returns the negotiated ATT MTU, or the default if negotiation has
	// not completed.
	MTU() uint16
	// RediscoverRange re-enumerates attributes in a handle range after a
	// service-changed event.
	RediscoverRange(start, end uint16) error
	// Release frees the client and its shared Database reference. Idempotent.
	Release() error
}

// Stack creates the session's capabilities. Abstracted so tests can inject
// failing and leak-counting doubles.
type Stack interface {
	NewBearer(conn Conn) (Bearer, error)
	NewDatabase() (Database, error)
	NewClient(db Database, bearer Bearer, mtu uint16) (Client, error)
}
