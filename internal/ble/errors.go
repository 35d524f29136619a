package ble

import (
	"errors"
	"fmt"
)

// ErrInvalidHandle rejects a subscription request for the reserved zero
// handle.
var ErrInvalidHandle = errors.New("ble: invalid characteristic value handle 0x0000")

// ErrAlreadySubscribed rejects a second subscription on a session. The
// sensor channel is fixed at session start, so a second binding indicates a
// programming error rather than an operator condition.
var ErrAlreadySubscribed = errors.New("ble: session already has an active subscription")

// SetupError reports a failed step while building the GATT session. Setup
// errors are fatal for the attempt: everything allocated by earlier steps has
// already been released when one is returned.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("ble: session setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// DiscoveryError reports that attribute discovery completed with a peer ATT
// error code. The session stays open but non-functional; there is no
// automatic retry.
type DiscoveryError struct {
	ATTCode uint8
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("ble: GATT discovery procedures failed: ATT error 0x%02x", e.ATTCode)
}

// RegistrationError reports that a notification subscription could not be
// established, either because the capability returned no identifier or
// because the peer rejected the registration with an ATT error code.
type RegistrationError struct {
	Handle  uint16
	ATTCode uint8
	Err     error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: failed to register notify handler for 0x%04x: %v", e.Handle, e.Err)
	}
	if e.ATTCode != 0 {
		return fmt.Sprintf("ble: notify registration for 0x%04x rejected: ATT error 0x%02x", e.Handle, e.ATTCode)
	}
	return fmt.Sprintf("ble: failed to register notify handler for 0x%04x", e.Handle)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
