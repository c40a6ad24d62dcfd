// Package ble implements the Convalesense peripheral: it publishes the tap
// service, advertises it, tracks the single subscribed central, and pushes
// tap counts to it as notifications while honouring transport backpressure.
package ble

import (
	"github.com/google/uuid"

	"github.com/askdad/convalesense/internal/ble/gatt"
)

// AdapterState is the power/authorization state reported by the radio.
type AdapterState int

const (
	AdapterStateUnknown AdapterState = iota
	AdapterStateResetting
	AdapterStateUnsupported
	AdapterStateUnauthorized
	AdapterStatePoweredOff
	AdapterStatePoweredOn
)

func (s AdapterState) String() string {
	str := []string{
		"Unknown",
		"Resetting",
		"Unsupported",
		"Unauthorized",
		"PoweredOff",
		"PoweredOn",
	}
	if s < 0 || int(s) >= len(str) {
		return "Invalid"
	}
	return str[int(s)]
}

// Central is a remote BLE client connected to the peripheral.
type Central struct {
	ID                       string
	MaximumUpdateValueLength int
}

// Subscription is the (central, characteristic) pair currently receiving
// notifications.
type Subscription struct {
	Central        Central
	Characteristic uuid.UUID
}

// Request is a read or write request from a central.
type Request struct {
	Central        Central
	Characteristic uuid.UUID
	Offset         int
	Value          []byte // write payload; nil for reads
}

// ATTResult is an ATT protocol error code sent in response to a request.
type ATTResult uint8

const (
	ATTSuccess           ATTResult = 0x00
	ATTInvalidHandle     ATTResult = 0x01
	ATTReadNotPermitted  ATTResult = 0x02
	ATTWriteNotPermitted ATTResult = 0x03
	ATTInvalidOffset     ATTResult = 0x07
	ATTAttributeNotFound ATTResult = 0x0A
)

// Advertisement is the advertising payload.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
}

// Radio abstracts the platform peripheral stack. The Engine is its only user.
//
// AddService and StartAdvertising are asynchronous: a nil return means the
// command was accepted and the radio will later deliver a ServiceAdded or
// AdvertisingStarted event with the outcome. A non-nil return is the outcome.
type Radio interface {
	// Open starts the radio. Every radio event is passed to sink, in the
	// order the platform reports it. sink is safe to call from any goroutine.
	Open(sink func(Event)) error
	// AddService publishes svc to the local GATT database.
	AddService(svc *gatt.Service) error
	// StartAdvertising begins advertising adv.
	StartAdvertising(adv Advertisement) error
	// StopAdvertising stops advertising.
	StopAdvertising() error
	// UpdateValue notifies central of a new value for char. It returns false
	// when the transmit queue is full; the radio then delivers ReadyToUpdate
	// once there is room again.
	UpdateValue(value []byte, char *gatt.Characteristic, central *Central) bool
	// Respond answers a read or write request.
	Respond(req *Request, value []byte, result ATTResult) error
	// Close releases the radio.
	Close() error
}
