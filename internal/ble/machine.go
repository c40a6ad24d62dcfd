package ble

import (
	"slices"

	"github.com/google/uuid"
)

// State is everything the broadcast engine knows. Only the engine goroutine
// holds a live State; Machine.Step never mutates the State it is given.
type State struct {
	Adapter AdapterState

	Registered  bool
	Registering bool   // AddService issued, ServiceAdded not yet seen
	Attempt     uint64 // last RegisterService issued

	Advertising     bool
	StartingAdv     bool // StartAdvertising issued, AdvertisingStarted not yet seen
	WantAdvertising bool // StartAdvertising requested and not since stopped

	Subscription *Subscription

	// Value is the last payload offered to Publish, delivered or not.
	Value []byte

	// Pending holds payloads awaiting delivery, oldest first. The head is
	// the one sent next.
	Pending [][]byte

	// headFresh is set while the head was just submitted by Publish and its
	// outcome has not been reported yet.
	headFresh bool
}

// Effect is a side effect requested by Machine.Step. The engine carries
// them out in order.
type Effect interface {
	isEffect()
}

// RegisterService asks the radio to publish the tap service.
type RegisterService struct {
	Attempt uint64
}

// StartAdvertising asks the radio to advertise.
type StartAdvertising struct {
	Advertisement Advertisement
}

// StopAdvertising asks the radio to stop advertising.
type StopAdvertising struct{}

// CacheValue stores the characteristic's current value.
type CacheValue struct {
	Value []byte
}

// Notify asks the radio to send Value to Central. The engine feeds the
// result back into the machine before anything else runs.
type Notify struct {
	Value   []byte
	Central Central
}

// NotifyObserver tells the observer the subscription changed.
type NotifyObserver struct {
	Subscription *Subscription
}

// Respond answers a central's request.
type Respond struct {
	Request *Request
	Value   []byte
	Result  ATTResult
}

// ReportError hands an adapter error to the error handler.
type ReportError struct {
	Err error
}

// ReportDelivery reports the outcome of the Publish being processed.
type ReportDelivery struct {
	Delivery Delivery
}

func (RegisterService) isEffect()  {}
func (StartAdvertising) isEffect() {}
func (StopAdvertising) isEffect()  {}
func (CacheValue) isEffect()       {}
func (Notify) isEffect()           {}
func (NotifyObserver) isEffect()   {}
func (Respond) isEffect()          {}
func (ReportError) isEffect()      {}
func (ReportDelivery) isEffect()   {}

// Machine is the broadcast state machine for one service with one
// notifiable characteristic.
//
// Only one central may be subscribed at a time; a second CentralSubscribed
// is ignored. Supporting several centrals would turn Subscription into a set
// keyed by central ID with a Pending queue and a Delivery per subscriber.
type Machine struct {
	LocalName      string
	Service        uuid.UUID
	Characteristic uuid.UUID
}

// Step applies ev to s and returns the new state and the effects to run.
func (m Machine) Step(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case StateChanged:
		return m.onAdapterState(s, ev.State)
	case ServiceAdded:
		return m.onServiceAdded(s, ev)
	case AdvertisingStarted:
		return m.onAdvertisingStarted(s, ev)
	case CentralSubscribed:
		return m.onSubscribed(s, ev)
	case CentralUnsubscribed:
		if sub := s.Subscription; sub != nil && sub.Central.ID == ev.Central.ID && sub.Characteristic == ev.Characteristic {
			return clearSubscription(s)
		}
		return s, nil
	case CentralDisconnected:
		if sub := s.Subscription; sub != nil && sub.Central.ID == ev.Central.ID {
			return clearSubscription(s)
		}
		return s, nil
	case ReadyToUpdate:
		if s.Subscription == nil || len(s.Pending) == 0 {
			return s, nil
		}
		return s, []Effect{Notify{Value: s.Pending[0], Central: s.Subscription.Central}}
	case ReadRequest:
		return m.onRead(s, ev.Request)
	case WriteRequests:
		return m.onWrite(s, ev.Requests)
	case cmdStartAdvertising:
		return m.onStartAdvertising(s)
	case cmdStopAdvertising:
		s.WantAdvertising = false
		if !s.Advertising {
			// a start still in flight is stopped when its result arrives
			return s, nil
		}
		s.Advertising = false
		return s, []Effect{StopAdvertising{}}
	case cmdPublish:
		return m.onPublish(s, ev.Payload)
	case notifyResult:
		return m.onNotifyResult(s, ev.Accepted)
	}
	return s, nil
}

func (m Machine) advertisement() Advertisement {
	return Advertisement{LocalName: m.LocalName, ServiceUUIDs: []uuid.UUID{m.Service}}
}

func (m Machine) onAdapterState(s State, st AdapterState) (State, []Effect) {
	prev := s.Adapter
	s.Adapter = st
	if st == AdapterStatePoweredOn {
		if prev == AdapterStatePoweredOn {
			return s, nil
		}
		return ensureRegistered(s)
	}

	// Below PoweredOn the platform drops every connection and the whole
	// local GATT database.
	var fx []Effect
	s.Registered, s.Registering = false, false
	s.Advertising, s.StartingAdv = false, false
	if s.Subscription != nil {
		s, fx = clearSubscription(s)
	}
	if st == AdapterStateUnsupported || st == AdapterStateUnauthorized {
		fx = append(fx, ReportError{Err: &AdapterError{Kind: ErrAdapterUnavailable, State: st}})
	}
	return s, fx
}

func ensureRegistered(s State) (State, []Effect) {
	if s.Registered || s.Registering {
		return s, nil
	}
	s.Registering = true
	s.Attempt++
	return s, []Effect{RegisterService{Attempt: s.Attempt}}
}

func (m Machine) onServiceAdded(s State, ev ServiceAdded) (State, []Effect) {
	if !s.Registering {
		return s, nil
	}
	if ev.Attempt != 0 && ev.Attempt != s.Attempt {
		// answer to a registration lost with an earlier power cycle
		return s, nil
	}
	s.Registering = false
	if ev.Err != nil {
		return s, []Effect{ReportError{Err: &AdapterError{Kind: ErrRegistrationFailed, State: s.Adapter, Err: ev.Err}}}
	}
	s.Registered = true
	return m.maybeAdvertise(s)
}

func (m Machine) maybeAdvertise(s State) (State, []Effect) {
	if !s.WantAdvertising || s.Advertising || s.StartingAdv {
		return s, nil
	}
	if s.Adapter != AdapterStatePoweredOn || !s.Registered {
		return s, nil
	}
	s.StartingAdv = true
	return s, []Effect{StartAdvertising{Advertisement: m.advertisement()}}
}

func (m Machine) onAdvertisingStarted(s State, ev AdvertisingStarted) (State, []Effect) {
	if !s.StartingAdv {
		return s, nil
	}
	s.StartingAdv = false
	if ev.Err != nil {
		s.WantAdvertising = false
		return s, []Effect{ReportError{Err: &AdapterError{Kind: ErrAdvertisingStartFailed, State: s.Adapter, Err: ev.Err}}}
	}
	if !s.WantAdvertising {
		return s, []Effect{StopAdvertising{}}
	}
	s.Advertising = true
	return s, nil
}

func (m Machine) onStartAdvertising(s State) (State, []Effect) {
	s.WantAdvertising = true
	if s.Advertising || s.StartingAdv {
		return s, nil
	}
	if s.Adapter != AdapterStatePoweredOn {
		// retried by onAdapterState -> onServiceAdded once powered on
		return s, nil
	}
	if !s.Registered {
		return ensureRegistered(s)
	}
	return m.maybeAdvertise(s)
}

func (m Machine) onSubscribed(s State, ev CentralSubscribed) (State, []Effect) {
	if s.Adapter != AdapterStatePoweredOn || ev.Characteristic != m.Characteristic {
		return s, nil
	}
	if s.Subscription != nil {
		return s, nil
	}
	sub := &Subscription{Central: ev.Central, Characteristic: ev.Characteristic}
	s.Subscription = sub
	return s, []Effect{NotifyObserver{Subscription: sub}}
}

func clearSubscription(s State) (State, []Effect) {
	s.Subscription = nil
	s.Pending = nil
	s.headFresh = false
	return s, []Effect{NotifyObserver{Subscription: nil}}
}

func (m Machine) onPublish(s State, payload []byte) (State, []Effect) {
	s.Value = payload
	fx := []Effect{CacheValue{Value: payload}}
	if s.Subscription == nil {
		return s, append(fx, ReportDelivery{Delivery: DeliveryNoSubscriber})
	}
	if len(s.Pending) > 0 {
		// earlier payloads are still waiting for ReadyToUpdate
		s.Pending = append(slices.Clip(s.Pending), payload)
		return s, append(fx, ReportDelivery{Delivery: DeliveryDeferred})
	}
	s.Pending = [][]byte{payload}
	s.headFresh = true
	return s, append(fx, Notify{Value: payload, Central: s.Subscription.Central})
}

func (m Machine) onNotifyResult(s State, accepted bool) (State, []Effect) {
	fresh := s.headFresh
	s.headFresh = false
	if len(s.Pending) == 0 {
		return s, nil
	}

	var fx []Effect
	if !accepted {
		if fresh {
			fx = append(fx, ReportDelivery{Delivery: DeliveryDeferred})
		}
		return s, fx
	}

	if fresh {
		fx = append(fx, ReportDelivery{Delivery: DeliverySent})
	}
	s.Pending = s.Pending[1:]
	if len(s.Pending) == 0 {
		s.Pending = nil
		return s, fx
	}
	// the radio has room again; keep draining until it pushes back
	return s, append(fx, Notify{Value: s.Pending[0], Central: s.Subscription.Central})
}

func (m Machine) onRead(s State, req *Request) (State, []Effect) {
	if req == nil {
		return s, nil
	}
	if req.Characteristic != m.Characteristic {
		return s, []Effect{Respond{Request: req, Result: ATTAttributeNotFound}}
	}
	if req.Offset < 0 || req.Offset > len(s.Value) {
		return s, []Effect{Respond{Request: req, Result: ATTInvalidOffset}}
	}
	return s, []Effect{Respond{Request: req, Value: s.Value[req.Offset:], Result: ATTSuccess}}
}

// onWrite acknowledges writes without acting on them. The batch is answered
// once, through its first request.
func (m Machine) onWrite(s State, reqs []*Request) (State, []Effect) {
	if len(reqs) == 0 || reqs[0] == nil {
		return s, nil
	}
	for _, r := range reqs {
		if r == nil || r.Characteristic != m.Characteristic {
			return s, []Effect{Respond{Request: reqs[0], Result: ATTAttributeNotFound}}
		}
	}
	return s, []Effect{Respond{Request: reqs[0], Result: ATTSuccess}}
}
