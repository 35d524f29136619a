package ble

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/chaz8081/thingy-mon/internal/ble/protocol"
)

// router owns the session's single notification subscription: it binds one
// characteristic value handle to one decode routine at registration time and
// dispatches incoming payloads. Binding happens once per subscription, never
// per notification, so a handle/decoder mismatch cannot arise at dispatch.
type router struct {
	client Client
	out    io.Writer
	post   func(event)

	sub     SubscriptionID
	handle  uint16
	channel protocol.Channel
	bound   bool
}

func newRouter(client Client, out io.Writer, post func(event)) *router {
	return &router{client: client, out: out, post: post}
}

// subscribe requests a notification registration for handle and binds the
// channel's decoder to it. A session carries at most one subscription; a
// second call is rejected and leaves the existing binding untouched.
func (r *router) subscribe(handle uint16, ch protocol.Channel) (SubscriptionID, error) {
	if handle == 0 {
		return 0, ErrInvalidHandle
	}
	if r.bound {
		return 0, ErrAlreadySubscribed
	}

	id, err := r.client.RegisterNotify(handle,
		func(attCode uint8) {
			r.post(registrationResultEvent{attCode: attCode})
		},
		func(handle uint16, data []byte) {
			// The stack may reuse the notification buffer after the callback
			// returns; copy before crossing goroutines.
			r.post(notifyEvent{handle: handle, data: append([]byte(nil), data...)})
		},
	)
	if err != nil {
		return 0, &RegistrationError{Handle: handle, Err: err}
	}
	if id == 0 {
		return 0, &RegistrationError{Handle: handle}
	}

	r.sub = id
	r.handle = handle
	r.channel = ch
	r.bound = true
	return id, nil
}

// handleRegistrationResult consumes the peer's answer to the registration. A
// non-zero ATT code means the subscription never activated; the binding is
// dropped and the failure reported, not retried.
func (r *router) handleRegistrationResult(attCode uint8) {
	if attCode != 0 {
		err := &RegistrationError{Handle: r.handle, ATTCode: attCode}
		slog.Error(err.Error())
		r.unbind()
		return
	}
	slog.Debug("notifications active", "handle", handleStr(r.handle))
}

// binding reports the currently bound handle, if any.
func (r *router) binding() (uint16, bool) {
	return r.handle, r.bound
}

// unbind drops the active binding. The registration itself dies with the
// session; no explicit unregister is required before teardown.
func (r *router) unbind() {
	r.sub = 0
	r.handle = 0
	r.bound = false
}

// dispatch decodes one notification payload and emits the reading. Errors
// are reported per occurrence and dropped: a malformed notification must
// never take down an otherwise healthy session, so dispatch never fails
// upward.
func (r *router) dispatch(handle uint16, data []byte) {
	if !r.bound || handle != r.handle {
		r.dumpRaw(handle, data)
		return
	}

	reading, err := protocol.Decode(r.channel, data)
	if err != nil {
		slog.Error("dropping malformed notification",
			"handle", handleStr(handle), "error", err)
		return
	}
	fmt.Fprintf(r.out, "Notification: %s received: %s\n", reading.Channel().Label(), reading)
}

// dumpRaw emits a diagnostic line for a notification on a handle with no
// bound decoder.
func (r *router) dumpRaw(handle uint16, data []byte) {
	if len(data) == 0 {
		fmt.Fprintf(r.out, "Handle Value Not/Ind: %s - (0 bytes)\n", handleStr(handle))
		return
	}
	fmt.Fprintf(r.out, "Handle Value Not/Ind: %s - (%d bytes): % x\n",
		handleStr(handle), len(data), data)
}

func handleStr(handle uint16) string {
	return fmt.Sprintf("0x%04x", handle)
}
