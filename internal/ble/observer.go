package ble

import (
	"log/slog"
	"sync"
)

// SubscriptionObserver is told when the subscriber attaches (sub != nil) or
// detaches (sub == nil). It is called on the engine goroutine and must not
// block.
type SubscriptionObserver interface {
	SubscriptionChanged(sub *Subscription)
}

// ObserverFunc adapts a function to SubscriptionObserver.
type ObserverFunc func(sub *Subscription)

func (f ObserverFunc) SubscriptionChanged(sub *Subscription) { f(sub) }

// SubscriptionFeed is a SubscriptionObserver that hands changes to another
// goroutine over a channel. When the buffer is full the oldest change is
// dropped, so a reader always ends on the latest state.
type SubscriptionFeed struct {
	mu     sync.Mutex
	ch     chan *Subscription
	closed bool
}

// NewSubscriptionFeed creates a feed holding up to buffer undelivered changes.
func NewSubscriptionFeed(buffer int) *SubscriptionFeed {
	if buffer <= 0 {
		buffer = 4
	}
	return &SubscriptionFeed{ch: make(chan *Subscription, buffer)}
}

// Changes returns the channel of subscription changes. It is closed by Close.
func (f *SubscriptionFeed) Changes() <-chan *Subscription {
	return f.ch
}

func (f *SubscriptionFeed) SubscriptionChanged(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for {
		select {
		case f.ch <- sub:
			return
		default:
		}
		select {
		case <-f.ch:
			slog.Warn("[BLE] subscription feed full, dropping oldest change")
		default:
		}
	}
}

// Close closes the Changes channel. It is safe to call multiple times.
func (f *SubscriptionFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}
