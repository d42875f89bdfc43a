// Package lamp drives a single BLE lamp: it dispatches command frames,
// enumerates the scenes stored on the lamp and keeps the session state.
package lamp

import (
	"context"
	"errors"
	"fmt"
)

// Link is the GATT transport to one lamp. Implementations need not be safe
// for concurrent use; Lamp serializes every call it makes.
type Link interface {
	// Connect opens the link. Connecting an open link is a no-op.
	Connect(ctx context.Context) error
	// Disconnect releases the link.
	Disconnect() error
	// IsConnected reports whether the link is open.
	IsConnected() bool
	// Write sends data to a characteristic, waiting for the peripheral's
	// acknowledgement when withResponse is set.
	Write(char string, data []byte, withResponse bool) error
	// Read returns the current value of a characteristic.
	Read(char string) ([]byte, error)
	// Subscribe delivers notifications of a characteristic to fn. fn may be
	// called from any goroutine.
	Subscribe(char string, fn func(data []byte)) error
	// Unsubscribe stops notification delivery for a characteristic.
	Unsubscribe(char string) error
}

// ErrProtocolTimeout is returned when the lamp does not answer a request in time.
var ErrProtocolTimeout = errors.New("lamp: timed out waiting for notification")

// LinkError reports a failure at the transport boundary.
type LinkError struct {
	Op  string // connect, disconnect, write, read, subscribe, unsubscribe
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("lamp: %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

func linkErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LinkError{Op: op, Err: err}
}
