package ble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/askdad/convalesense/internal/ble/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine runs an engine on radio and returns it with a stop function
// that cancels Run and waits for it to return.
func startEngine(t *testing.T, radio *mockRadio, opts Options) (*Engine, func()) {
	t.Helper()
	opts.Logger = quietLogger()
	e, err := NewEngine(radio, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, "radio open", radio.opened)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return e, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSnapshot(t *testing.T, e *Engine, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	waitFor(t, what, func() bool {
		s, err := e.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		last = s
		return cond(s)
	})
	return last
}

func publish(t *testing.T, e *Engine, n int64) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := e.Publish(ctx, protocol.TapCount{Count: n})
	if err != nil {
		t.Fatalf("Publish(%d): %v", n, err)
	}
	return d
}

// subscribeCentral powers the radio on and subscribes centralA.
func subscribeCentral(t *testing.T, e *Engine, radio *mockRadio) {
	t.Helper()
	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	radio.fire(CentralSubscribed{Central: centralA, Characteristic: testChar})
	waitSnapshot(t, e, "subscription", func(s Snapshot) bool { return s.Subscription != nil })
}

func TestNewEngineNilRadio(t *testing.T) {
	if _, err := NewEngine(nil, DefaultOptions()); err == nil {
		t.Fatal("expected error for nil radio")
	}
}

func TestEngineRegistersAndAdvertises(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())

	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	s := waitSnapshot(t, e, "advertising", func(s Snapshot) bool { return s.Advertising })
	if !s.Registered || s.Adapter != AdapterStatePoweredOn {
		t.Errorf("snapshot = %+v", s)
	}
	services, adverts, _ := radio.counts()
	if services != 1 || adverts != 1 {
		t.Errorf("services=%d adverts=%d, want 1/1", services, adverts)
	}
	radio.mu.Lock()
	name := radio.adverts[0].LocalName
	radio.mu.Unlock()
	if name != "Convalesense" {
		t.Errorf("LocalName = %q", name)
	}
}

func TestEngineWithoutAutoAdvertise(t *testing.T) {
	radio := &mockRadio{}
	opts := DefaultOptions()
	opts.AutoAdvertise = false
	e, _ := startEngine(t, radio, opts)

	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	waitSnapshot(t, e, "registration", func(s Snapshot) bool { return s.Registered })
	if _, adverts, _ := radio.counts(); adverts != 0 {
		t.Fatalf("advertised without request")
	}

	e.StartAdvertising()
	e.StartAdvertising()
	waitSnapshot(t, e, "advertising", func(s Snapshot) bool { return s.Advertising })
	e.StopAdvertising()
	waitSnapshot(t, e, "stopped", func(s Snapshot) bool { return !s.Advertising })
	if _, adverts, stops := radio.counts(); adverts != 1 || stops != 1 {
		t.Errorf("adverts=%d stops=%d, want 1/1", adverts, stops)
	}
}

func TestEnginePublishSent(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())
	subscribeCentral(t, e, radio)

	if d := publish(t, e, 1); d != DeliverySent {
		t.Fatalf("Delivery = %v, want sent", d)
	}
	got := radio.sent()
	if len(got) != 1 || got[0] != `{"tapCount":1}` {
		t.Errorf("sent = %q, want [{\"tapCount\":1}]", got)
	}
	if v := string(e.Service().Characteristics[0].Value); v != `{"tapCount":1}` {
		t.Errorf("characteristic value = %q", v)
	}
}

func TestEnginePublishNoSubscriber(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())
	radio.fire(StateChanged{State: AdapterStatePoweredOn})

	if d := publish(t, e, 7); d != DeliveryNoSubscriber {
		t.Fatalf("Delivery = %v, want no-subscriber", d)
	}
	s := waitSnapshot(t, e, "value", func(s Snapshot) bool { return s.Value != nil })
	if string(s.Value) != `{"tapCount":7}` {
		t.Errorf("Value = %q", s.Value)
	}
	if len(radio.sent()) != 0 {
		t.Error("notified without a subscriber")
	}
}

func TestEngineBackpressure(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())
	subscribeCentral(t, e, radio)

	radio.refuseNext(1)
	for i, want := range []Delivery{DeliveryDeferred, DeliveryDeferred, DeliveryDeferred} {
		if d := publish(t, e, int64(i+1)); d != want {
			t.Fatalf("publish %d: Delivery = %v, want %v", i+1, d, want)
		}
	}
	if s := waitSnapshot(t, e, "pending", func(s Snapshot) bool { return true }); s.Pending != 3 {
		t.Fatalf("Pending = %d, want 3", s.Pending)
	}

	radio.fire(ReadyToUpdate{})
	waitSnapshot(t, e, "drain", func(s Snapshot) bool { return s.Pending == 0 })

	want := []string{`{"tapCount":1}`, `{"tapCount":2}`, `{"tapCount":3}`}
	got := radio.sent()
	if len(got) != len(want) {
		t.Fatalf("sent = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEngineObserver(t *testing.T) {
	radio := &mockRadio{}
	feed := NewSubscriptionFeed(4)
	defer feed.Close()
	opts := DefaultOptions()
	opts.Observer = feed
	e, _ := startEngine(t, radio, opts)
	subscribeCentral(t, e, radio)

	select {
	case sub := <-feed.Changes():
		if sub == nil || sub.Central.ID != centralA.ID || sub.Characteristic != testChar {
			t.Fatalf("change = %+v, want subscription of %s", sub, centralA.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription change")
	}

	radio.fire(CentralDisconnected{Central: centralA})
	select {
	case sub := <-feed.Changes():
		if sub != nil {
			t.Fatalf("change = %+v, want nil", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscription change")
	}
	waitSnapshot(t, e, "cleared", func(s Snapshot) bool { return s.Subscription == nil })
}

func TestEngineSetObserver(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())

	got := make(chan *Subscription, 2)
	e.SetObserver(ObserverFunc(func(sub *Subscription) { got <- sub }))
	subscribeCentral(t, e, radio)

	select {
	case sub := <-got:
		if sub == nil {
			t.Fatal("got nil subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}

func TestEngineReportsAdapterErrors(t *testing.T) {
	radio := &mockRadio{}
	errs := make(chan error, 1)
	opts := DefaultOptions()
	opts.OnError = func(err error) { errs <- err }
	startEngine(t, radio, opts)

	radio.fire(StateChanged{State: AdapterStateUnauthorized})
	select {
	case err := <-errs:
		var ae *AdapterError
		if !errors.As(err, &ae) || !ae.Fatal() || !errors.Is(err, ErrAdapterUnavailable) {
			t.Errorf("err = %v, want fatal adapter error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestEngineRegistrationError(t *testing.T) {
	cause := errors.New("gatt database full")
	radio := &mockRadio{addErr: cause}
	errs := make(chan error, 1)
	opts := DefaultOptions()
	opts.OnError = func(err error) { errs <- err }
	startEngine(t, radio, opts)

	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	select {
	case err := <-errs:
		if !errors.Is(err, ErrRegistrationFailed) || !errors.Is(err, cause) {
			t.Errorf("err = %v, want registration failure wrapping cause", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestEngineAnswersRequests(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())
	subscribeCentral(t, e, radio)
	publish(t, e, 3)

	radio.fire(ReadRequest{Request: &Request{Central: centralA, Characteristic: testChar}})
	radio.fire(WriteRequests{Requests: []*Request{{Central: centralA, Characteristic: testChar, Value: []byte("hi")}}})
	waitFor(t, "responses", func() bool {
		radio.mu.Lock()
		defer radio.mu.Unlock()
		return len(radio.responses) == 2
	})

	radio.mu.Lock()
	defer radio.mu.Unlock()
	read, write := radio.responses[0], radio.responses[1]
	if read.result != ATTSuccess || string(read.value) != `{"tapCount":3}` {
		t.Errorf("read response = (%q, %#x)", read.value, read.result)
	}
	if write.result != ATTSuccess {
		t.Errorf("write result = %#x, want success", write.result)
	}
}

func TestEngineShutdown(t *testing.T) {
	radio := &mockRadio{}
	e, stop := startEngine(t, radio, DefaultOptions())
	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	waitSnapshot(t, e, "advertising", func(s Snapshot) bool { return s.Advertising })

	stop()
	_, _, stops := radio.counts()
	radio.mu.Lock()
	closed := radio.closed
	radio.mu.Unlock()
	if stops != 1 || !closed {
		t.Errorf("stops=%d closed=%v, want 1/true", stops, closed)
	}
}

func TestEngineRunTwice(t *testing.T) {
	radio := &mockRadio{}
	e, _ := startEngine(t, radio, DefaultOptions())
	if err := e.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail while the first is running")
	}
}

func TestEngineOpenError(t *testing.T) {
	radio := &mockRadio{openErr: errors.New("no adapter")}
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	e, err := NewEngine(radio, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background()); err == nil || !errors.Is(err, radio.openErr) {
		t.Errorf("Run = %v, want open error", err)
	}
	if _, err := e.Publish(context.Background(), protocol.TapCount{Count: 1}); !errors.Is(err, ErrEngineNotRunning) {
		t.Errorf("Publish after failed open = %v, want ErrEngineNotRunning", err)
	}
}

func TestEnginePublishBeforeRun(t *testing.T) {
	e, err := NewEngine(&mockRadio{}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Publish(context.Background(), protocol.TapCount{Count: 1})
	if !errors.Is(err, ErrEngineNotRunning) || d != DeliveryNone {
		t.Errorf("Publish = %v, %v, want none, ErrEngineNotRunning", d, err)
	}
	if _, err := e.Snapshot(context.Background()); !errors.Is(err, ErrEngineNotRunning) {
		t.Errorf("Snapshot = %v, want ErrEngineNotRunning", err)
	}
}

func TestEnginePublishAfterStop(t *testing.T) {
	radio := &mockRadio{}
	e, stop := startEngine(t, radio, DefaultOptions())
	subscribeCentral(t, e, radio)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	d, err := e.Publish(ctx, protocol.TapCount{Count: 1})
	if !errors.Is(err, ErrEngineStopped) || d != DeliveryNone {
		t.Errorf("Publish = %v, %v, want none, ErrEngineStopped", d, err)
	}
	if _, err := e.Snapshot(ctx); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Snapshot = %v, want ErrEngineStopped", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("calls after stop took %v", waited)
	}
	if err := e.Run(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Run after stop = %v, want ErrEngineStopped", err)
	}
}

func TestEngineSettleFailsQueuedCalls(t *testing.T) {
	e, err := NewEngine(&mockRadio{}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	pub := make(chan Delivery, 1)
	snap := make(chan Snapshot, 1)
	e.inbox = []Event{cmdStartAdvertising{}, cmdPublish{Payload: []byte("{}"), reply: pub}, cmdSnapshot{reply: snap}}

	e.settle(phaseIdle)
	if _, ok := <-pub; ok {
		t.Error("publish reply left open")
	}
	if _, ok := <-snap; ok {
		t.Error("snapshot reply left open")
	}
	if len(e.inbox) != 1 {
		t.Errorf("inbox after settle(idle) = %d events, want the advertising command kept", len(e.inbox))
	}

	e.inbox = append(e.inbox, StateChanged{State: AdapterStatePoweredOn})
	e.settle(phaseStopped)
	if len(e.inbox) != 0 {
		t.Errorf("inbox after settle(stopped) = %d events, want 0", len(e.inbox))
	}
}

func TestEnginePublishRejectsNegative(t *testing.T) {
	e, err := NewEngine(&mockRadio{}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Publish(context.Background(), protocol.TapCount{Count: -1}); !errors.Is(err, protocol.ErrNegativeCount) {
		t.Errorf("Publish(-1) = %v, want ErrNegativeCount", err)
	}
}

func TestEnginePowerCycleReregisters(t *testing.T) {
	radio := &mockRadio{}
	feed := NewSubscriptionFeed(4)
	defer feed.Close()
	opts := DefaultOptions()
	opts.Observer = feed
	e, _ := startEngine(t, radio, opts)
	subscribeCentral(t, e, radio)
	<-feed.Changes()

	radio.fire(StateChanged{State: AdapterStatePoweredOff})
	s := waitSnapshot(t, e, "power off", func(s Snapshot) bool { return s.Adapter == AdapterStatePoweredOff })
	if s.Subscription != nil || s.Advertising || s.Registered {
		t.Fatalf("snapshot after power off = %+v", s)
	}
	select {
	case sub := <-feed.Changes():
		if sub != nil {
			t.Fatalf("change = %+v, want nil", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not told about power loss")
	}

	radio.fire(StateChanged{State: AdapterStatePoweredOn})
	waitSnapshot(t, e, "re-advertising", func(s Snapshot) bool { return s.Registered && s.Advertising })
	services, adverts, _ := radio.counts()
	if services != 2 || adverts != 2 {
		t.Errorf("services=%d adverts=%d, want 2/2", services, adverts)
	}
}

func TestEngineStampsServiceAdded(t *testing.T) {
	e, err := NewEngine(&mockRadio{}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	e.attempt = 3
	e.dispatch(ServiceAdded{Service: testService})
	e.dispatch(ServiceAdded{Service: testService, Attempt: 1})

	evs := e.drain()
	if len(evs) != 2 {
		t.Fatalf("inbox = %d events, want 2", len(evs))
	}
	if got := evs[0].(ServiceAdded).Attempt; got != 3 {
		t.Errorf("unstamped result got attempt %d, want 3", got)
	}
	if got := evs[1].(ServiceAdded).Attempt; got != 1 {
		t.Errorf("stamped result rewritten to attempt %d, want 1", got)
	}
}
