package ble

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/chaz8081/thingy-mon/internal/ble/protocol"
)

// Options configures a session. The sensor channel is fixed for the life of
// the session.
type Options struct {
	// Sensor selects which characteristic to subscribe to once discovery
	// completes.
	Sensor protocol.Channel
	// MTU is the requested ATT MTU; zero negotiates the default.
	MTU uint16
	// Out receives the decoded reading lines. Defaults to os.Stdout.
	Out io.Writer
}

// Session is one GATT client session over one link. A session is created by
// NewSession, driven by Run, and torn down exactly once by a disconnect
// event, context cancellation, or Close.
type Session struct {
	opts   Options
	bearer Bearer
	db     Database // nil once the client takes shared ownership
	client Client

	state  State
	router *router

	events chan event
	quit   chan struct{}
}

// NewSession builds a ready-to-run GATT session over an established link.
// The setup steps run in order; if any step fails, everything allocated by
// earlier steps is released and a SetupError is returned, so a partial session
// is never handed to the caller. The conn itself stays the caller's to close
// on failure; on success its lifetime is tied to the session.
func NewSession(stack Stack, conn Conn, opts Options) (*Session, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	s := &Session{
		opts:   opts,
		state:  StateConnecting,
		events: make(chan event, 32),
		quit:   make(chan struct{}),
	}

	bearer, err := stack.NewBearer(conn)
	if err != nil {
		return nil, &SetupError{Step: "att bearer", Err: err}
	}
	s.bearer = bearer

	if err := bearer.SetCloseOnRelease(true); err != nil {
		bearer.Release()
		return nil, &SetupError{Step: "close-on-release", Err: err}
	}

	if err := bearer.OnDisconnect(func(reason error) {
		s.post(disconnectEvent{reason: reason})
	}); err != nil {
		bearer.Release()
		return nil, &SetupError{Step: "disconnect observer", Err: err}
	}

	db, err := stack.NewDatabase()
	if err != nil {
		bearer.Release()
		return nil, &SetupError{Step: "attribute database", Err: err}
	}
	s.db = db

	db.OnServiceAdded(func(uuid string, start, end uint16) {
		slog.Info("service added", "uuid", uuid,
			"start", handleStr(start), "end", handleStr(end))
	})
	db.OnServiceRemoved(func(uuid string, start, end uint16) {
		slog.Info("service removed", "uuid", uuid,
			"start", handleStr(start), "end", handleStr(end))
	})

	client, err := stack.NewClient(db, bearer, opts.MTU)
	if err != nil {
		db.Release()
		bearer.Release()
		return nil, &SetupError{Step: "gatt client", Err: err}
	}
	s.client = client

	if err := client.OnReady(func(ok bool, attCode uint8) {
		s.post(readyEvent{ok: ok, attCode: attCode})
	}); err != nil {
		client.Release()
		bearer.Release()
		return nil, &SetupError{Step: "ready observer", Err: err}
	}

	if err := client.OnServiceChanged(func(start, end uint16) {
		s.post(serviceChangedEvent{start: start, end: end})
	}); err != nil {
		client.Release()
		bearer.Release()
		return nil, &SetupError{Step: "service-changed observer", Err: err}
	}

	// The client now holds the database; drop the session's own reference so
	// teardown releases it exactly once, through the client.
	s.db = nil

	s.router = newRouter(client, opts.Out, s.post)
	s.state = StateAwaitingReady
	slog.Debug("session set up, waiting for discovery", "sensor", opts.Sensor, "mtu", opts.MTU)
	return s, nil
}

// State reports the session's current lifecycle position.
func (s *Session) State() State { return s.state }

// post hands an event to the session loop. Capability callbacks arrive on
// foreign goroutines; the channel serializes them so handleEvent never runs
// concurrently with itself. After teardown events are discarded.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// Run consumes events until the peer disconnects or ctx is cancelled (the
// interrupt/terminate path), then tears the session down. Callbacks are
// delivered one at a time in arrival order.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case ev := <-s.events:
			s.handleEvent(ev)
			if s.state == StateTornDown {
				return nil
			}
		}
	}
}

// handleEvent is the single state-transition function for the session.
func (s *Session) handleEvent(ev event) {
	switch ev := ev.(type) {
	case readyEvent:
		s.handleReady(ev)
	case serviceChangedEvent:
		s.handleServiceChanged(ev)
	case notifyEvent:
		s.router.dispatch(ev.handle, ev.data)
	case registrationResultEvent:
		s.router.handleRegistrationResult(ev.attCode)
	case disconnectEvent:
		slog.Info("device disconnected", "reason", ev.reason)
		s.teardown()
	}
}

func (s *Session) handleReady(ev readyEvent) {
	if s.state != StateAwaitingReady {
		// The ready callback fires at most once per discovery; anything else
		// is a stack bug.
		slog.Warn("unexpected ready event", "state", s.state)
		return
	}

	if !ev.ok {
		err := &DiscoveryError{ATTCode: ev.attCode}
		slog.Error(err.Error())
		// Stay in AwaitingReady: the session is open but non-functional and
		// the operator decides whether to disconnect.
		return
	}

	s.state = StateReady
	slog.Info("GATT discovery procedures complete", "mtu", s.client.MTU())

	handle := s.opts.Sensor.Handle()
	if _, err := s.router.subscribe(handle, s.opts.Sensor); err != nil {
		slog.Error("failed to subscribe", "sensor", s.opts.Sensor,
			"handle", handleStr(handle), "error", err)
		return
	}
	s.state = StateSubscribed
	slog.Debug("subscription requested", "sensor", s.opts.Sensor, "handle", handleStr(handle))
}

// handleServiceChanged re-enumerates the changed handle range. If the active
// subscription's handle falls inside the range, the peer's table change
// invalidated the old registration, so the subscription is re-issued.
func (s *Session) handleServiceChanged(ev serviceChangedEvent) {
	slog.Info("service changed", "start", handleStr(ev.start), "end", handleStr(ev.end))

	if err := s.client.RediscoverRange(ev.start, ev.end); err != nil {
		slog.Error("failed to rediscover changed range", "error", err)
	}

	handle, bound := s.router.binding()
	if !bound || handle < ev.start || handle > ev.end {
		return
	}
	slog.Warn("active subscription in changed range, re-subscribing",
		"handle", handleStr(handle))
	s.router.unbind()
	if _, err := s.router.subscribe(handle, s.opts.Sensor); err != nil {
		slog.Error("failed to re-subscribe", "handle", handleStr(handle), "error", err)
		s.state = StateReady
	}
}

// Close tears the session down. Safe to call at any point after NewSession,
// including after a disconnect event already released everything.
func (s *Session) Close() error {
	if s.state == StateTornDown {
		return nil
	}
	s.teardown()
	return nil
}

// teardown releases the client capability (which releases the shared
// attribute database) and then the bearer (which closes the link), each
// exactly once.
func (s *Session) teardown() {
	if s.state == StateTornDown {
		return
	}
	s.state = StateTornDown
	close(s.quit)

	if s.client != nil {
		if err := s.client.Release(); err != nil {
			slog.Warn("failed to release gatt client", "error", err)
		}
		s.client = nil
	}
	if s.db != nil {
		// Only reachable if teardown raced a failed setup; normally the
		// client owns the database by now.
		s.db.Release()
		s.db = nil
	}
	if s.bearer != nil {
		if err := s.bearer.Release(); err != nil {
			slog.Warn("failed to release att bearer", "error", err)
		}
		s.bearer = nil
	}
}
