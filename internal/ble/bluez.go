package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/thingy-mon/internal/ble/protocol"
)

// The Thingy:52 environment service spans this handle range on the
// peripheral's attribute table. The per-characteristic value handles live in
// the protocol package's channel table.
const (
	envServiceStartHandle uint16 = 0x001E
	envServiceEndHandle   uint16 = 0x0029
)

// ATT error codes reported through the ready callback when discovery fails.
const (
	attErrAttributeNotFound uint8 = 0x0A
	attErrUnlikely          uint8 = 0x0E
)

// charUUIDByHandle maps the well-known characteristic value handles to the
// environment service UUIDs the BlueZ stack discovers by.
var charUUIDByHandle = map[uint16]string{
	protocol.Temperature.Handle(): TemperatureCharUUID,
	protocol.Pressure.Handle():    PressureCharUUID,
	protocol.Humidity.Handle():    HumidityCharUUID,
	protocol.Gas.Handle():         GasCharUUID,
}

// Peripheral is a device seen during a scan.
type Peripheral struct {
	Name    string
	Address string
	RSSI    int
}

// BluezStack implements Stack on top of tinygo.org/x/bluetooth, which talks
// to BlueZ over D-Bus on Linux. It also provides the out-of-band pieces the
// session treats as external: scanning and the link-layer connect.
type BluezStack struct {
	adapter *bluetooth.Adapter

	// mu protects bearers, keyed by peer address, so the adapter-level
	// connect handler can route disconnects to the right session.
	mu      sync.Mutex
	bearers map[string]*bluezBearer
}

// NewBluezStack wraps the default adapter.
func NewBluezStack() *BluezStack {
	return &BluezStack{
		adapter: bluetooth.DefaultAdapter,
		bearers: make(map[string]*bluezBearer),
	}
}

// Enable powers on the adapter and installs the disconnect router.
func (s *BluezStack) Enable() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		s.mu.Lock()
		bearer, ok := s.bearers[addr]
		s.mu.Unlock()
		if ok {
			bearer.peerDisconnected()
		}
	})

	return nil
}

// Scan reports peripherals whose advertised name starts with namePrefix,
// until ctx is cancelled.
func (s *BluezStack) Scan(ctx context.Context, namePrefix string) ([]Peripheral, error) {
	var mu sync.Mutex
	var found []Peripheral
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.adapter.StopScan()
		case <-done:
		}
	}()

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name == "" || !strings.HasPrefix(name, namePrefix) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		found = append(found, Peripheral{Name: name, Address: addr, RSSI: int(result.RSSI)})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return found, nil
}

// Connect establishes the link to the peer. This is the transport-connect
// step; everything after it goes through NewSession. A failed connect leaves
// nothing to clean up.
func (s *BluezStack) Connect(ctx context.Context, address string) (Conn, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so a
	// cancelled ctx returns promptly.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := s.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		return &bluezConn{stack: s, device: result.device, addr: address}, nil
	}
}

// bluezConn owns the established link.
type bluezConn struct {
	stack  *BluezStack
	device bluetooth.Device
	addr   string

	mu     sync.Mutex
	closed bool
}

func (c *bluezConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.device.Disconnect()
}

// bluezBearer ties the disconnect observer and link lifetime to the session.
type bluezBearer struct {
	stack *BluezStack
	conn  *bluezConn

	mu             sync.Mutex
	closeOnRelease bool
	disconnectCb   func(reason error)
	released       bool
}

func (s *BluezStack) NewBearer(conn Conn) (Bearer, error) {
	bc, ok := conn.(*bluezConn)
	if !ok {
		return nil, fmt.Errorf("ble: conn %T was not produced by this stack", conn)
	}
	bearer := &bluezBearer{stack: s, conn: bc}
	s.mu.Lock()
	s.bearers[bc.addr] = bearer
	s.mu.Unlock()
	return bearer, nil
}

func (b *bluezBearer) SetCloseOnRelease(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeOnRelease = on
	return nil
}

func (b *bluezBearer) OnDisconnect(cb func(reason error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectCb = cb
	return nil
}

// peerDisconnected is called from the adapter's connect handler.
func (b *bluezBearer) peerDisconnected() {
	b.mu.Lock()
	cb := b.disconnectCb
	b.mu.Unlock()
	if cb != nil {
		cb(fmt.Errorf("ble: peer %s dropped the connection", b.conn.addr))
	}
}

func (b *bluezBearer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	closeConn := b.closeOnRelease
	b.mu.Unlock()

	b.stack.mu.Lock()
	delete(b.stack.bearers, b.conn.addr)
	b.stack.mu.Unlock()

	if closeConn {
		return b.conn.Close()
	}
	return nil
}

// bluezDatabase mirrors the attribute cache BlueZ maintains on our behalf; it
// exists to carry the service add/remove observers.
type bluezDatabase struct {
	mu       sync.Mutex
	added    func(uuid string, start, end uint16)
	removed  func(uuid string, start, end uint16)
	released bool
}

func (s *BluezStack) NewDatabase() (Database, error) {
	return &bluezDatabase{}, nil
}

func (d *bluezDatabase) OnServiceAdded(cb func(uuid string, start, end uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.added = cb
}

func (d *bluezDatabase) OnServiceRemoved(cb func(uuid string, start, end uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = cb
}

func (d *bluezDatabase) noteAdded(uuid string, start, end uint16) {
	d.mu.Lock()
	cb := d.added
	d.mu.Unlock()
	if cb != nil {
		cb(uuid, start, end)
	}
}

func (d *bluezDatabase) noteRemoved(uuid string, start, end uint16) {
	d.mu.Lock()
	cb := d.removed
	d.mu.Unlock()
	if cb != nil {
		cb(uuid, start, end)
	}
}

func (d *bluezDatabase) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.added = nil
	d.removed = nil
	return nil
}

// bluezClient runs discovery against the environment service and serves the
// handle-addressed capability surface over tinygo's UUID-addressed API.
type bluezClient struct {
	conn         *bluezConn
	db           *bluezDatabase
	requestedMTU uint16

	mu           sync.Mutex
	readyCb      func(ok bool, attCode uint8)
	svcChangedCb func(start, end uint16)
	readyDone    bool
	readyOK      bool
	readyCode    uint8
	mtu          uint16
	chars        map[uint16]bluetooth.DeviceCharacteristic
	nextSub      SubscriptionID
	released     bool
}

func (s *BluezStack) NewClient(db Database, bearer Bearer, mtu uint16) (Client, error) {
	bdb, ok := db.(*bluezDatabase)
	if !ok {
		return nil, fmt.Errorf("ble: database %T was not produced by this stack", db)
	}
	bb, ok := bearer.(*bluezBearer)
	if !ok {
		return nil, fmt.Errorf("ble: bearer %T was not produced by this stack", bearer)
	}

	c := &bluezClient{
		conn:         bb.conn,
		db:           bdb,
		requestedMTU: mtu,
		chars:        make(map[uint16]bluetooth.DeviceCharacteristic),
	}
	go c.discover()
	return c, nil
}

// discover enumerates the environment service, fills the handle-to-
// characteristic table, and settles the ready state. The ready callback may
// be registered before or after discovery finishes; finishReady and OnReady
// cooperate so it fires exactly once either way.
func (c *bluezClient) discover() {
	chars, attCode, err := c.discoverChars()
	if err != nil {
		slog.Debug("gatt: discovery failed", "error", err)
		c.finishReady(false, attCode)
		return
	}

	c.mu.Lock()
	c.chars = chars
	c.mtu = negotiatedMTU(chars, c.requestedMTU)
	c.mu.Unlock()

	c.db.noteAdded(EnvServiceUUID, envServiceStartHandle, envServiceEndHandle)
	c.finishReady(true, 0)
}

func (c *bluezClient) discoverChars() (map[uint16]bluetooth.DeviceCharacteristic, uint8, error) {
	svcUUID, err := bluetooth.ParseUUID(EnvServiceUUID)
	if err != nil {
		return nil, attErrUnlikely, err
	}
	svcs, err := c.conn.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, attErrUnlikely, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, attErrAttributeNotFound, fmt.Errorf("environment service %s not found", EnvServiceUUID)
	}

	var uuids []bluetooth.UUID
	uuidToHandle := make(map[bluetooth.UUID]uint16, len(charUUIDByHandle))
	for handle, raw := range charUUIDByHandle {
		uuid, err := bluetooth.ParseUUID(raw)
		if err != nil {
			return nil, attErrUnlikely, err
		}
		uuids = append(uuids, uuid)
		uuidToHandle[uuid] = handle
	}

	found, err := svcs[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, attErrUnlikely, fmt.Errorf("discover characteristics: %w", err)
	}

	chars := make(map[uint16]bluetooth.DeviceCharacteristic, len(found))
	for _, char := range found {
		if handle, ok := uuidToHandle[char.UUID()]; ok {
			chars[handle] = char
		}
	}
	if len(chars) == 0 {
		return nil, attErrAttributeNotFound, fmt.Errorf("no environment characteristics found")
	}
	return chars, 0, nil
}

// negotiatedMTU asks any discovered characteristic for the connection MTU.
func negotiatedMTU(chars map[uint16]bluetooth.DeviceCharacteristic, fallback uint16) uint16 {
	for _, char := range chars {
		if mtu, err := char.GetMTU(); err == nil {
			return mtu
		}
	}
	return fallback
}

func (c *bluezClient) finishReady(ok bool, attCode uint8) {
	c.mu.Lock()
	c.readyDone = true
	c.readyOK = ok
	c.readyCode = attCode
	cb := c.readyCb
	c.mu.Unlock()
	if cb != nil {
		cb(ok, attCode)
	}
}

func (c *bluezClient) OnReady(cb func(ok bool, attCode uint8)) error {
	c.mu.Lock()
	c.readyCb = cb
	done, ok, code := c.readyDone, c.readyOK, c.readyCode
	c.mu.Unlock()
	if done {
		// Discovery beat the registration; deliver the settled result.
		go cb(ok, code)
	}
	return nil
}

func (c *bluezClient) OnServiceChanged(cb func(start, end uint16)) error {
	// BlueZ consumes Service Changed indications internally and refreshes its
	// cache; there is no surface to observe them through tinygo/bluetooth.
	// The observer is held so the capability contract stays uniform.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.svcChangedCb = cb
	return nil
}

func (c *bluezClient) RegisterNotify(handle uint16, result func(attCode uint8), value func(handle uint16, data []byte)) (SubscriptionID, error) {
	c.mu.Lock()
	char, ok := c.chars[handle]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("ble: no discovered characteristic for handle %s", handleStr(handle))
	}
	c.nextSub++
	id := c.nextSub
	c.mu.Unlock()

	if err := char.EnableNotifications(func(buf []byte) {
		value(handle, buf)
	}); err != nil {
		return 0, fmt.Errorf("ble: enable notifications: %w", err)
	}

	// The CCCD write already succeeded, so confirm activation. tinygo folds
	// the peer's answer into EnableNotifications' error return.
	go result(0)
	return id, nil
}

func (c *bluezClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyDone && c.readyOK
}

func (c *bluezClient) MTU() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mtu == 0 {
		return 23 // ATT default
	}
	return c.mtu
}

func (c *bluezClient) RediscoverRange(start, end uint16) error {
	if end < envServiceStartHandle || start > envServiceEndHandle {
		return nil
	}
	chars, _, err := c.discoverChars()
	if err != nil {
		return err
	}
	c.db.noteRemoved(EnvServiceUUID, envServiceStartHandle, envServiceEndHandle)
	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()
	c.db.noteAdded(EnvServiceUUID, envServiceStartHandle, envServiceEndHandle)
	return nil
}

func (c *bluezClient) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.chars = nil
	c.mu.Unlock()
	return c.db.Release()
}

// Compile-time checks that the BlueZ stack satisfies the capability surface.
var (
	_ Stack    = (*BluezStack)(nil)
	_ Conn     = (*bluezConn)(nil)
	_ Bearer   = (*bluezBearer)(nil)
	_ Database = (*bluezDatabase)(nil)
	_ Client   = (*bluezClient)(nil)
)
