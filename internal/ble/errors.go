package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrAdapterUnavailable means the radio is unsupported or the app is not
	// authorized to use it. There is no recovery within the session.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	// ErrRegistrationFailed means the tap service could not be published.
	// Calling StartAdvertising again retries the registration.
	ErrRegistrationFailed = errors.New("ble: service registration failed")
	// ErrAdvertisingStartFailed means the radio refused to advertise.
	// Calling StartAdvertising again retries.
	ErrAdvertisingStartFailed = errors.New("ble: advertising start failed")

	// ErrEngineNotRunning is returned by Publish and Snapshot before Run.
	ErrEngineNotRunning = errors.New("ble: engine not running")
	// ErrEngineStopped is returned once Run has shut the engine down.
	ErrEngineStopped = errors.New("ble: engine stopped")
)

// AdapterError is an adapter-originated failure. errors.Is matches both the
// Kind sentinel and the underlying radio error.
type AdapterError struct {
	Kind  error
	State AdapterState
	Err   error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (adapter %s)", e.Kind, e.State)
	}
	return fmt.Sprintf("%v (adapter %s): %v", e.Kind, e.State, e.Err)
}

func (e *AdapterError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fatal reports whether the session cannot continue.
func (e *AdapterError) Fatal() bool {
	return errors.Is(e.Kind, ErrAdapterUnavailable)
}

// Delivery is the outcome of a Publish.
type Delivery int

const (
	// DeliveryNone is the zero value. Publish returns it with every error.
	DeliveryNone Delivery = iota
	// DeliverySent means the radio accepted the notification.
	DeliverySent
	// DeliveryDeferred means the transmit queue was full. The engine resends
	// the payload when the radio reports ReadyToUpdate.
	DeliveryDeferred
	// DeliveryNoSubscriber means nobody is subscribed. The value is still
	// cached on the characteristic.
	DeliveryNoSubscriber
)

func (d Delivery) String() string {
	switch d {
	case DeliveryNone:
		return "none"
	case DeliverySent:
		return "sent"
	case DeliveryDeferred:
		return "deferred"
	case DeliveryNoSubscriber:
		return "no-subscriber"
	default:
		return fmt.Sprintf("Delivery(%d)", int(d))
	}
}
