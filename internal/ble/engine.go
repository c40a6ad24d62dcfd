package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/askdad/convalesense/internal/ble/gatt"
	"github.com/askdad/convalesense/internal/ble/protocol"
)

// Options configures the broadcast engine.
type Options struct {
	LocalName     string               // advertised name
	AutoAdvertise bool                 // advertise as soon as the service is registered
	Codec         protocol.Codec       // payload encoding for Publish
	Observer      SubscriptionObserver // optional; see SetObserver
	OnError       func(error)          // adapter errors; logged when nil
	Logger        *slog.Logger
}

// DefaultOptions returns the settings the Convalesense app ships with.
func DefaultOptions() Options {
	return Options{
		LocalName:     gatt.LocalName,
		AutoAdvertise: true,
		Codec:         protocol.JSONCodec{},
	}
}

// Snapshot is a copy of the engine state at one point in time.
type Snapshot struct {
	Adapter      AdapterState
	Registered   bool
	Advertising  bool
	Subscription *Subscription
	Value        []byte
	Pending      int
}

// Engine owns a Radio and runs the broadcast state machine on a single
// goroutine (Run). Every other method hands work to that goroutine and is
// safe for concurrent use.
type Engine struct {
	radio   Radio
	service *gatt.Service
	char    *gatt.Characteristic
	machine Machine
	codec   protocol.Codec
	log     *slog.Logger
	onError func(error)

	// inbox is the ordered hand-off into the Run goroutine.
	mu      sync.Mutex
	phase   phase
	attempt uint64 // registration in flight, stamped on ServiceAdded
	inbox   []Event
	wake    chan struct{}

	// Owned by the Run goroutine.
	state    State
	observer SubscriptionObserver
	reply    chan<- Delivery
}

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseStopped
)

// NewEngine creates an engine publishing the tap service on radio.
func NewEngine(radio Radio, opts Options) (*Engine, error) {
	if radio == nil {
		return nil, errors.New("ble: nil radio")
	}
	svc, err := gatt.NewTapService()
	if err != nil {
		return nil, fmt.Errorf("ble: build tap service: %w", err)
	}
	if opts.LocalName == "" {
		opts.LocalName = gatt.LocalName
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	char := svc.Characteristics[0]
	return &Engine{
		radio:   radio,
		service: svc,
		char:    char,
		machine: Machine{
			LocalName:      opts.LocalName,
			Service:        svc.UUID,
			Characteristic: char.UUID,
		},
		codec:    opts.Codec,
		log:      opts.Logger,
		onError:  opts.OnError,
		wake:     make(chan struct{}, 1),
		state:    State{WantAdvertising: opts.AutoAdvertise},
		observer: opts.Observer,
	}, nil
}

// Service returns the GATT service the engine publishes.
func (e *Engine) Service() *gatt.Service {
	return e.service
}

// Run opens the radio and processes radio events and commands until ctx is
// cancelled. It then stops advertising and closes the radio. An engine runs
// once; Run after shutdown returns ErrEngineStopped.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	switch e.phase {
	case phaseRunning:
		e.mu.Unlock()
		return errors.New("ble: engine already running")
	case phaseStopped:
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.phase = phaseRunning
	e.mu.Unlock()

	if err := e.radio.Open(e.dispatch); err != nil {
		e.settle(phaseIdle)
		return fmt.Errorf("ble: open radio: %w", err)
	}
	e.log.Info("[BLE] engine started", "service", gatt.FormatUUID(e.service.UUID))

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-e.wake:
			for _, ev := range e.drain() {
				e.handle(ev)
			}
		}
	}
}

// StartAdvertising asks the engine to advertise. It is a no-op when already
// advertising, and deferred until the adapter is powered on.
func (e *Engine) StartAdvertising() {
	e.dispatch(cmdStartAdvertising{})
}

// StopAdvertising stops advertising. Subscriptions and queued notifications
// are left alone.
func (e *Engine) StopAdvertising() {
	e.dispatch(cmdStopAdvertising{})
}

// SetObserver replaces the subscription observer.
func (e *Engine) SetObserver(o SubscriptionObserver) {
	e.dispatch(cmdSetObserver{observer: o})
}

// Publish encodes tc, stores it as the characteristic value, and sends it to
// the subscriber. It waits only for the engine goroutine to process the
// request, never for the radio.
func (e *Engine) Publish(ctx context.Context, tc protocol.TapCount) (Delivery, error) {
	payload, err := e.codec.Encode(tc)
	if err != nil {
		return DeliveryNone, fmt.Errorf("ble: encode: %w", err)
	}
	reply := make(chan Delivery, 1)
	if err := e.call(cmdPublish{Payload: payload, reply: reply}); err != nil {
		return DeliveryNone, err
	}
	select {
	case d, ok := <-reply:
		if !ok {
			return DeliveryNone, ErrEngineStopped
		}
		return d, nil
	case <-ctx.Done():
		return DeliveryNone, ctx.Err()
	}
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := e.call(cmdSnapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s, ok := <-reply:
		if !ok {
			return Snapshot{}, ErrEngineStopped
		}
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// dispatch queues ev for the Run goroutine. It never blocks, so radios may
// call it from inside a Radio method. Events after shutdown are dropped.
func (e *Engine) dispatch(ev Event) {
	e.mu.Lock()
	if e.phase == phaseStopped {
		e.mu.Unlock()
		return
	}
	if sa, ok := ev.(ServiceAdded); ok && sa.Attempt == 0 {
		sa.Attempt = e.attempt
		ev = sa
	}
	e.inbox = append(e.inbox, ev)
	e.mu.Unlock()
	e.signal()
}

// call queues a command that carries a reply channel. It fails fast unless
// Run is processing the inbox.
func (e *Engine) call(ev Event) error {
	e.mu.Lock()
	switch e.phase {
	case phaseIdle:
		e.mu.Unlock()
		return ErrEngineNotRunning
	case phaseStopped:
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.inbox = append(e.inbox, ev)
	e.mu.Unlock()
	e.signal()
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// settle moves the engine to p and closes the reply channel of every
// Publish or Snapshot still queued. Stopping discards the rest of the inbox.
func (e *Engine) settle(p phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = p
	var kept []Event
	for _, ev := range e.inbox {
		switch ev := ev.(type) {
		case cmdPublish:
			close(ev.reply)
		case cmdSnapshot:
			close(ev.reply)
		default:
			if p != phaseStopped {
				kept = append(kept, ev)
			}
		}
	}
	e.inbox = kept
}

func (e *Engine) drain() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evs := e.inbox
	e.inbox = nil
	return evs
}

func (e *Engine) handle(ev Event) {
	switch ev := ev.(type) {
	case cmdSetObserver:
		e.observer = ev.observer
	case cmdSnapshot:
		ev.reply <- e.snapshot()
	case cmdPublish:
		e.reply = ev.reply
		e.apply(ev)
		e.reply = nil
	case StateChanged:
		e.log.Info("[BLE] adapter state changed", "state", ev.State)
		e.apply(ev)
	default:
		e.apply(ev)
	}
}

// apply steps the machine with ev and runs the effects, feeding any radio
// feedback straight back in before returning.
func (e *Engine) apply(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		var fx []Effect
		e.state, fx = e.machine.Step(e.state, next)
		for _, f := range fx {
			if fb := e.execute(f); fb != nil {
				queue = append(queue, fb)
			}
		}
	}
}

func (e *Engine) execute(f Effect) Event {
	switch f := f.(type) {
	case RegisterService:
		e.log.Info("[BLE] registering service", "service", gatt.FormatUUID(e.service.UUID), "attempt", f.Attempt)
		e.mu.Lock()
		e.attempt = f.Attempt
		e.mu.Unlock()
		if err := e.radio.AddService(e.service); err != nil {
			return ServiceAdded{Service: e.service.UUID, Attempt: f.Attempt, Err: err}
		}
	case StartAdvertising:
		e.log.Info("[BLE] starting advertising", "name", f.Advertisement.LocalName)
		if err := e.radio.StartAdvertising(f.Advertisement); err != nil {
			return AdvertisingStarted{Err: err}
		}
	case StopAdvertising:
		if err := e.radio.StopAdvertising(); err != nil {
			e.log.Warn("[BLE] stop advertising failed", "error", err)
		} else {
			e.log.Info("[BLE] stopped advertising")
		}
	case CacheValue:
		e.char.Value = f.Value
	case Notify:
		central := f.Central
		ok := e.radio.UpdateValue(f.Value, e.char, &central)
		if !ok {
			e.log.Debug("[BLE] transmit queue full, deferring", "central", central.ID, "bytes", len(f.Value))
		}
		return notifyResult{Accepted: ok}
	case NotifyObserver:
		if f.Subscription != nil {
			e.log.Info("[BLE] central subscribed", "central", f.Subscription.Central.ID)
		} else {
			e.log.Info("[BLE] subscription cleared")
		}
		if e.observer != nil {
			e.observer.SubscriptionChanged(f.Subscription)
		}
	case Respond:
		if err := e.radio.Respond(f.Request, f.Value, f.Result); err != nil {
			e.log.Warn("[BLE] respond to request failed", "error", err)
		}
	case ReportError:
		e.log.Error("[BLE] adapter error", "error", f.Err)
		if e.onError != nil {
			e.onError(f.Err)
		}
	case ReportDelivery:
		if e.reply != nil {
			e.reply <- f.Delivery
			e.reply = nil
		}
	}
	return nil
}

func (e *Engine) snapshot() Snapshot {
	s := Snapshot{
		Adapter:     e.state.Adapter,
		Registered:  e.state.Registered,
		Advertising: e.state.Advertising,
		Pending:     len(e.state.Pending),
	}
	if e.state.Subscription != nil {
		sub := *e.state.Subscription
		s.Subscription = &sub
	}
	if e.state.Value != nil {
		s.Value = append([]byte(nil), e.state.Value...)
	}
	return s
}

func (e *Engine) shutdown() error {
	e.settle(phaseStopped)
	if e.state.Advertising {
		if err := e.radio.StopAdvertising(); err != nil {
			e.log.Warn("[BLE] stop advertising on shutdown failed", "error", err)
		}
		e.state.Advertising = false
	}
	if n := len(e.state.Pending); n > 0 {
		e.log.Warn("[BLE] shutting down with undelivered notifications", "count", n)
	}
	if err := e.radio.Close(); err != nil {
		return fmt.Errorf("ble: close radio: %w", err)
	}
	e.log.Info("[BLE] engine stopped")
	return nil
}
