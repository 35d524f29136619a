package ble

import (
	"errors"
	"strings"
	"testing"

	"github.com/chaz8081/thingy-mon/internal/ble/protocol"
)

func newTestRouter(t *testing.T) (*router, *mockClient, *syncBuffer, *Session) {
	t.Helper()
	stack := newMockStack()
	out := &syncBuffer{}
	s, err := NewSession(stack, &mockConn{}, Options{Sensor: protocol.Gas, Out: out})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s.router, stack.client, out, s
}

func TestSubscribeRejectsZeroHandle(t *testing.T) {
	r, client, _, _ := newTestRouter(t)

	_, err := r.subscribe(0, protocol.Temperature)
	if !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("subscribe(0) error = %v, want ErrInvalidHandle", err)
	}
	if got := client.registrationCount(); got != 0 {
		t.Errorf("registrations = %d, want 0", got)
	}
}

func TestSubscribeReportsZeroID(t *testing.T) {
	r, client, _, _ := newTestRouter(t)
	client.returnZeroID = true

	_, err := r.subscribe(0x0028, protocol.Gas)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("subscribe() error = %v, want *RegistrationError", err)
	}
	if regErr.Handle != 0x0028 {
		t.Errorf("RegistrationError.Handle = 0x%04x, want 0x0028", regErr.Handle)
	}
	if _, bound := r.binding(); bound {
		t.Error("router recorded a binding for a failed registration")
	}
}

func TestSubscribeSecondCallRejected(t *testing.T) {
	r, client, _, _ := newTestRouter(t)

	id, err := r.subscribe(0x0028, protocol.Gas)
	if err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}
	if id == 0 {
		t.Fatal("subscribe() returned zero id without error")
	}

	// The session carries at most one subscription; a second call is
	// rejected and leaves the first binding untouched.
	_, err = r.subscribe(0x001F, protocol.Temperature)
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second subscribe() error = %v, want ErrAlreadySubscribed", err)
	}
	if got := client.registrationCount(); got != 1 {
		t.Errorf("registrations = %d, want 1", got)
	}
	if handle, bound := r.binding(); !bound || handle != 0x0028 {
		t.Errorf("binding() = 0x%04x, %v, want 0x0028, true", handle, bound)
	}
}

func TestDispatchEmitsReading(t *testing.T) {
	r, _, out, _ := newTestRouter(t)
	if _, err := r.subscribe(0x0028, protocol.Gas); err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}

	r.dispatch(0x0028, []byte{0xE8, 0x03, 0x2C, 0x01})

	want := "Notification: Gas received: eCO2 ppm: 1000, TVOC ppb: 300\n"
	if got := out.String(); got != want {
		t.Errorf("console output = %q, want %q", got, want)
	}
}

func TestDispatchUnboundHandleDumpsRaw(t *testing.T) {
	r, _, out, _ := newTestRouter(t)
	if _, err := r.subscribe(0x0028, protocol.Gas); err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}

	r.dispatch(0x0030, []byte{0x01, 0x02, 0x03})

	want := "Handle Value Not/Ind: 0x0030 - (3 bytes): 01 02 03\n"
	if got := out.String(); got != want {
		t.Errorf("console output = %q, want %q", got, want)
	}
}

func TestDispatchUnboundHandleEmptyPayload(t *testing.T) {
	r, _, out, _ := newTestRouter(t)

	r.dispatch(0x0030, nil)

	want := "Handle Value Not/Ind: 0x0030 - (0 bytes)\n"
	if got := out.String(); got != want {
		t.Errorf("console output = %q, want %q", got, want)
	}
}

func TestDispatchMalformedPayloadKeepsSubscription(t *testing.T) {
	r, _, out, _ := newTestRouter(t)
	if _, err := r.subscribe(0x0028, protocol.Gas); err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}

	// One byte short of the gas minimum: reported and dropped, nothing on
	// the reading console.
	r.dispatch(0x0028, []byte{0xE8, 0x03, 0x2C})
	if got := out.String(); got != "" {
		t.Errorf("console output after malformed payload = %q, want empty", got)
	}

	// The subscription survives: the next well-formed payload decodes.
	r.dispatch(0x0028, []byte{0xE8, 0x03, 0x2C, 0x01})
	if !strings.Contains(out.String(), "eCO2 ppm: 1000") {
		t.Errorf("console output = %q, want gas reading", out.String())
	}
}

func TestRegistrationResultErrorDropsBinding(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	if _, err := r.subscribe(0x0028, protocol.Gas); err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}

	// Peer rejected the registration: the subscription never activated.
	r.handleRegistrationResult(0x0D)

	if _, bound := r.binding(); bound {
		t.Error("binding survived a rejected registration")
	}
}

func TestRegistrationResultSuccessKeepsBinding(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	if _, err := r.subscribe(0x0028, protocol.Gas); err != nil {
		t.Fatalf("subscribe() error = %v", err)
	}

	r.handleRegistrationResult(0)

	if handle, bound := r.binding(); !bound || handle != 0x0028 {
		t.Errorf("binding() = 0x%04x, %v, want 0x0028, true", handle, bound)
	}
}
