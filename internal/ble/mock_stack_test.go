package ble

import (
	"errors"
	"sync"
	"testing"
)

// mockStack is a capability factory whose steps can be made to fail and
// which counts live resources so tests can assert that no setup or teardown
// path leaks.
type mockStack struct {
	failBearer         bool
	failCloseOnRelease bool
	failOnDisconnect   bool
	failDatabase       bool
	failClient         bool
	failOnReady        bool
	failOnSvcChanged   bool

	mu           sync.Mutex
	bearersAlive int
	dbsAlive     int
	clientsAlive int

	bearer *mockBearer
	db     *mockDatabase
	client *mockClient
}

func newMockStack() *mockStack { return &mockStack{} }

func (s *mockStack) NewBearer(conn Conn) (Bearer, error) {
	if s.failBearer {
		return nil, errors.New("mock: bearer refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bearersAlive++
	s.bearer = &mockBearer{stack: s, conn: conn}
	return s.bearer, nil
}

func (s *mockStack) NewDatabase() (Database, error) {
	if s.failDatabase {
		return nil, errors.New("mock: database refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbsAlive++
	s.db = &mockDatabase{stack: s}
	return s.db, nil
}

func (s *mockStack) NewClient(db Database, bearer Bearer, mtu uint16) (Client, error) {
	if s.failClient {
		return nil, errors.New("mock: client refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsAlive++
	s.client = &mockClient{stack: s, db: db, mtu: mtu}
	return s.client, nil
}

// assertNoLeaks fails the test if any capability is still alive.
func (s *mockStack) assertNoLeaks(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bearersAlive != 0 || s.dbsAlive != 0 || s.clientsAlive != 0 {
		t.Errorf("leaked resources: bearers=%d databases=%d clients=%d",
			s.bearersAlive, s.dbsAlive, s.clientsAlive)
	}
}

type mockConn struct {
	mu     sync.Mutex
	closes int
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type mockBearer struct {
	stack *mockStack
	conn  Conn

	mu             sync.Mutex
	closeOnRelease bool
	disconnectCb   func(reason error)
	releases       int
}

func (b *mockBearer) SetCloseOnRelease(on bool) error {
	if b.stack.failCloseOnRelease {
		return errors.New("mock: close-on-release refused")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeOnRelease = on
	return nil
}

func (b *mockBearer) OnDisconnect(cb func(reason error)) error {
	if b.stack.failOnDisconnect {
		return errors.New("mock: disconnect observer refused")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectCb = cb
	return nil
}

func (b *mockBearer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	if b.releases == 1 {
		b.stack.mu.Lock()
		b.stack.bearersAlive--
		b.stack.mu.Unlock()
		if b.closeOnRelease {
			return b.conn.Close()
		}
	}
	return nil
}

// SimulateDisconnect fires the registered disconnect observer.
func (b *mockBearer) SimulateDisconnect(reason error) {
	b.mu.Lock()
	cb := b.disconnectCb
	b.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

type mockDatabase struct {
	stack *mockStack

	mu       sync.Mutex
	added    func(uuid string, start, end uint16)
	removed  func(uuid string, start, end uint16)
	releases int
}

func (d *mockDatabase) OnServiceAdded(cb func(uuid string, start, end uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = cb
}

func (d *mockDatabase) OnServiceRemoved(cb func(uuid string, start, end uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = cb
}

func (d *mockDatabase) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	if d.releases == 1 {
		d.stack.mu.Lock()
		d.stack.dbsAlive--
		d.stack.mu.Unlock()
	}
	return nil
}

// mockRegistration records one RegisterNotify call.
type mockRegistration struct {
	handle uint16
	result func(attCode uint8)
	value  func(handle uint16, data []byte)
}

type mockClient struct {
	stack *mockStack
	db    Database
	mtu   uint16

	mu            sync.Mutex
	readyCb       func(ok bool, attCode uint8)
	svcChangedCb  func(start, end uint16)
	ready         bool
	registrations []mockRegistration
	registerErr   error
	returnZeroID  bool
	nextID        SubscriptionID
	rediscovered  [][2]uint16
	releases      int
}

func (c *mockClient) OnReady(cb func(ok bool, attCode uint8)) error {
	if c.stack.failOnReady {
		return errors.New("mock: ready observer refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyCb = cb
	return nil
}

func (c *mockClient) OnServiceChanged(cb func(start, end uint16)) error {
	if c.stack.failOnSvcChanged {
		return errors.New("mock: service-changed observer refused")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.svcChangedCb = cb
	return nil
}

func (c *mockClient) RegisterNotify(handle uint16, result func(attCode uint8), value func(handle uint16, data []byte)) (SubscriptionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return 0, c.registerErr
	}
	if c.returnZeroID {
		return 0, nil
	}
	c.registrations = append(c.registrations, mockRegistration{handle: handle, result: result, value: value})
	c.nextID++
	return c.nextID, nil
}

func (c *mockClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *mockClient) MTU() uint16 { return 247 }

func (c *mockClient) RediscoverRange(start, end uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rediscovered = append(c.rediscovered, [2]uint16{start, end})
	return nil
}

func (c *mockClient) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	if c.releases == 1 {
		c.stack.mu.Lock()
		c.stack.clientsAlive--
		c.stack.mu.Unlock()
		return c.db.Release()
	}
	return nil
}

// SimulateReady fires the discovery-completion observer.
func (c *mockClient) SimulateReady(ok bool, attCode uint8) {
	c.mu.Lock()
	c.ready = ok
	cb := c.readyCb
	c.mu.Unlock()
	if cb != nil {
		cb(ok, attCode)
	}
}

// SimulateServiceChanged fires the service-changed observer.
func (c *mockClient) SimulateServiceChanged(start, end uint16) {
	c.mu.Lock()
	cb := c.svcChangedCb
	c.mu.Unlock()
	if cb != nil {
		cb(start, end)
	}
}

// SimulateNotify delivers a notification through the most recent
// registration's value callback.
func (c *mockClient) SimulateNotify(handle uint16, data []byte) {
	c.mu.Lock()
	var value func(uint16, []byte)
	if n := len(c.registrations); n > 0 {
		value = c.registrations[n-1].value
	}
	c.mu.Unlock()
	if value != nil {
		value(handle, data)
	}
}

// SimulateRegistrationResult fires the most recent registration's result
// callback with a peer ATT code.
func (c *mockClient) SimulateRegistrationResult(attCode uint8) {
	c.mu.Lock()
	var result func(uint8)
	if n := len(c.registrations); n > 0 {
		result = c.registrations[n-1].result
	}
	c.mu.Unlock()
	if result != nil {
		result(attCode)
	}
}

func (c *mockClient) registrationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registrations)
}

func TestMockStackImplementsInterfaces(t *testing.T) {
	var _ Stack = (*mockStack)(nil)
	var _ Conn = (*mockConn)(nil)
	var _ Bearer = (*mockBearer)(nil)
	var _ Database = (*mockDatabase)(nil)
	var _ Client = (*mockClient)(nil)
}
