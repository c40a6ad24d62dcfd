package ble

import (
	"errors"
	"sync"

	"github.com/askdad/convalesense/internal/ble/gatt"
)

// mockRadio is a Radio that answers AddService and StartAdvertising
// synchronously through the sink and records everything the engine asks of
// it. Tests inject radio events with fire.
type mockRadio struct {
	mu sync.Mutex

	sink func(Event)

	openErr     error
	addErr      error
	advErr      error
	acceptQueue []bool // UpdateValue answers, consumed in order; true when empty

	services  []*gatt.Service
	adverts   []Advertisement
	stops     int
	notified  [][]byte
	responses []mockResponse
	closed    bool
}

type mockResponse struct {
	req    *Request
	value  []byte
	result ATTResult
}

func (r *mockRadio) Open(sink func(Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return r.openErr
	}
	r.sink = sink
	return nil
}

func (r *mockRadio) AddService(svc *gatt.Service) error {
	r.mu.Lock()
	if r.addErr != nil {
		err := r.addErr
		r.mu.Unlock()
		return err
	}
	r.services = append(r.services, svc)
	sink := r.sink
	r.mu.Unlock()
	sink(ServiceAdded{Service: svc.UUID})
	return nil
}

func (r *mockRadio) StartAdvertising(adv Advertisement) error {
	r.mu.Lock()
	r.adverts = append(r.adverts, adv)
	err := r.advErr
	sink := r.sink
	r.mu.Unlock()
	sink(AdvertisingStarted{Err: err})
	return nil
}

func (r *mockRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *mockRadio) UpdateValue(value []byte, char *gatt.Characteristic, central *Central) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	accept := true
	if len(r.acceptQueue) > 0 {
		accept = r.acceptQueue[0]
		r.acceptQueue = r.acceptQueue[1:]
	}
	if accept {
		r.notified = append(r.notified, append([]byte(nil), value...))
	}
	return accept
}

func (r *mockRadio) Respond(req *Request, value []byte, result ATTResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req == nil {
		return errors.New("nil request")
	}
	r.responses = append(r.responses, mockResponse{req: req, value: value, result: result})
	return nil
}

func (r *mockRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// fire delivers a radio event as if the platform reported it.
func (r *mockRadio) fire(ev Event) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	sink(ev)
}

func (r *mockRadio) refuseNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.acceptQueue = append(r.acceptQueue, false)
	}
}

func (r *mockRadio) opened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink != nil
}

func (r *mockRadio) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notified))
	for i, v := range r.notified {
		out[i] = string(v)
	}
	return out
}

func (r *mockRadio) counts() (services, adverts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services), len(r.adverts), r.stops
}

var _ Radio = (*mockRadio)(nil)
