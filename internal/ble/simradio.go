package ble

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askdad/convalesense/internal/ble/gatt"
)

// SimRadio is an in-process Radio with one simulated central. It powers on
// immediately, connects and subscribes the central ConnectAfter after
// advertising starts, and models a transmit queue of QueueDepth
// notifications that drains one slot per DrainEvery. With DrainEvery <= 0
// the queue only drains through Drain.
type SimRadio struct {
	ConnectAfter time.Duration
	QueueDepth   int
	DrainEvery   time.Duration

	mu        sync.Mutex
	sink      func(Event)
	services  map[uuid.UUID]*gatt.Service
	central   *Central
	queued    int
	full      bool
	sent      [][]byte
	timers    []*time.Timer
	stop      chan struct{}
	open      bool
	advertise bool
}

// NewSimRadio returns a SimRadio with the given connect delay and queue depth.
func NewSimRadio(connectAfter time.Duration, queueDepth int) *SimRadio {
	if queueDepth <= 0 {
		queueDepth = 4
	}
	return &SimRadio{
		ConnectAfter: connectAfter,
		QueueDepth:   queueDepth,
		DrainEvery:   50 * time.Millisecond,
	}
}

func (r *SimRadio) Open(sink func(Event)) error {
	r.mu.Lock()
	if r.open {
		r.mu.Unlock()
		return errors.New("ble: sim radio already open")
	}
	r.open = true
	r.sink = sink
	r.services = make(map[uuid.UUID]*gatt.Service)
	r.stop = make(chan struct{})
	if r.DrainEvery > 0 {
		go r.drainLoop(r.DrainEvery, r.stop)
	}
	r.mu.Unlock()

	slog.Info("[BLE] sim radio powered on")
	sink(StateChanged{State: AdapterStatePoweredOn})
	return nil
}

func (r *SimRadio) AddService(svc *gatt.Service) error {
	r.mu.Lock()
	if _, dup := r.services[svc.UUID]; dup {
		r.mu.Unlock()
		return errors.New("ble: sim radio: service already registered")
	}
	r.services[svc.UUID] = svc
	r.mu.Unlock()

	r.emit(ServiceAdded{Service: svc.UUID})
	return nil
}

func (r *SimRadio) StartAdvertising(adv Advertisement) error {
	r.mu.Lock()
	r.advertise = true
	if r.central == nil {
		var chars []uuid.UUID
		for _, id := range adv.ServiceUUIDs {
			if svc, ok := r.services[id]; ok {
				for _, c := range svc.Characteristics {
					if c.Properties.Has(gatt.PropNotify) {
						chars = append(chars, c.UUID)
					}
				}
			}
		}
		r.timers = append(r.timers, time.AfterFunc(r.ConnectAfter, func() { r.connect(chars) }))
	}
	r.mu.Unlock()

	slog.Info("[BLE] sim radio advertising", "name", adv.LocalName)
	r.emit(AdvertisingStarted{})
	return nil
}

func (r *SimRadio) connect(chars []uuid.UUID) {
	r.mu.Lock()
	if !r.open || r.central != nil {
		r.mu.Unlock()
		return
	}
	c := Central{ID: uuid.NewString(), MaximumUpdateValueLength: 182}
	r.central = &c
	r.mu.Unlock()

	slog.Info("[BLE] sim central connected", "central", c.ID)
	for _, ch := range chars {
		r.emit(CentralSubscribed{Central: c, Characteristic: ch})
	}
}

// Disconnect drops the simulated central.
func (r *SimRadio) Disconnect() {
	r.mu.Lock()
	c := r.central
	r.central = nil
	r.queued = 0
	r.full = false
	r.mu.Unlock()
	if c != nil {
		slog.Info("[BLE] sim central disconnected", "central", c.ID)
		r.emit(CentralDisconnected{Central: *c})
	}
}

func (r *SimRadio) StopAdvertising() error {
	r.mu.Lock()
	r.advertise = false
	r.mu.Unlock()
	return nil
}

// Advertising reports whether the radio is advertising.
func (r *SimRadio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertise
}

func (r *SimRadio) UpdateValue(value []byte, char *gatt.Characteristic, central *Central) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.central == nil || central == nil || central.ID != r.central.ID {
		return false
	}
	if r.queued >= r.QueueDepth {
		r.full = true
		return false
	}
	r.queued++
	r.sent = append(r.sent, append([]byte(nil), value...))
	return true
}

// Sent returns every notification the radio accepted, in order.
func (r *SimRadio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *SimRadio) Respond(req *Request, value []byte, result ATTResult) error {
	if req == nil {
		return errors.New("ble: sim radio: nil request")
	}
	slog.Debug("[BLE] sim respond", "result", result, "bytes", len(value))
	return nil
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil
	}
	r.open = false
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	close(r.stop)
	return nil
}

func (r *SimRadio) drainLoop(every time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			r.Drain()
		}
	}
}

// Drain frees one transmit queue slot, delivering ReadyToUpdate if an
// update was refused while the queue was full.
func (r *SimRadio) Drain() {
	r.mu.Lock()
	if r.queued > 0 {
		r.queued--
	}
	ready := r.full && r.queued < r.QueueDepth
	if ready {
		r.full = false
	}
	r.mu.Unlock()
	if ready {
		r.emit(ReadyToUpdate{})
	}
}

func (r *SimRadio) emit(ev Event) {
	r.mu.Lock()
	sink, open := r.sink, r.open
	r.mu.Unlock()
	if sink != nil && open {
		sink(ev)
	}
}

var _ Radio = (*SimRadio)(nil)
