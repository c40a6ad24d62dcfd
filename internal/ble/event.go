package ble

import "github.com/google/uuid"

// Event is an input to the broadcast state machine. Radio events are
// exported so Radio implementations can report them; engine commands are
// unexported.
type Event interface {
	isEvent()
}

// StateChanged reports a new adapter state.
type StateChanged struct {
	State AdapterState
}

// ServiceAdded reports the outcome of AddService. Attempt identifies the
// RegisterService it answers; radios leave it zero and the engine stamps it
// with the registration in flight.
type ServiceAdded struct {
	Service uuid.UUID
	Attempt uint64
	Err     error
}

// AdvertisingStarted reports the outcome of StartAdvertising.
type AdvertisingStarted struct {
	Err error
}

// CentralSubscribed reports that a central enabled notifications.
type CentralSubscribed struct {
	Central        Central
	Characteristic uuid.UUID
}

// CentralUnsubscribed reports that a central disabled notifications.
type CentralUnsubscribed struct {
	Central        Central
	Characteristic uuid.UUID
}

// CentralDisconnected reports that a central's link dropped.
type CentralDisconnected struct {
	Central Central
}

// ReadyToUpdate reports that the transmit queue has room after UpdateValue
// returned false.
type ReadyToUpdate struct{}

// ReadRequest is a read from a central.
type ReadRequest struct {
	Request *Request
}

// WriteRequests is a batch of writes from a central, answered as a unit.
type WriteRequests struct {
	Requests []*Request
}

func (StateChanged) isEvent()        {}
func (ServiceAdded) isEvent()        {}
func (AdvertisingStarted) isEvent()  {}
func (CentralSubscribed) isEvent()   {}
func (CentralUnsubscribed) isEvent() {}
func (CentralDisconnected) isEvent() {}
func (ReadyToUpdate) isEvent()       {}
func (ReadRequest) isEvent()         {}
func (WriteRequests) isEvent()       {}

// Engine commands.

type cmdStartAdvertising struct{}

type cmdStopAdvertising struct{}

type cmdPublish struct {
	Payload []byte
	reply   chan<- Delivery
}

// notifyResult feeds the synchronous UpdateValue result back into the
// machine.
type notifyResult struct {
	Accepted bool
}

type cmdSetObserver struct {
	observer SubscriptionObserver
}

type cmdSnapshot struct {
	reply chan<- Snapshot
}

func (cmdStartAdvertising) isEvent() {}
func (cmdStopAdvertising) isEvent()  {}
func (cmdPublish) isEvent()          {}
func (notifyResult) isEvent()        {}
func (cmdSetObserver) isEvent()      {}
func (cmdSnapshot) isEvent()         {}
