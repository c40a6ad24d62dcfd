// Package tap turns taps from a Source into an increasing tap count and
// publishes each new count.
package tap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askdad/convalesense/internal/ble"
	"github.com/askdad/convalesense/internal/ble/protocol"
)

// Tap is one detected tap.
type Tap struct {
	At     time.Time
	Source string
}

// Source produces taps until its input ends or ctx is cancelled.
type Source interface {
	Name() string
	// Run sends taps until ctx is cancelled or the source is exhausted.
	// It does not close taps.
	Run(ctx context.Context, taps chan<- Tap) error
}

// Publisher is the part of the BLE engine the counter needs.
type Publisher interface {
	Publish(ctx context.Context, tc protocol.TapCount) (ble.Delivery, error)
}

// Compile-time interface satisfaction check.
var _ Publisher = (*ble.Engine)(nil)

// Counter counts taps for one session and publishes every new count.
type Counter struct {
	pub Publisher
	log *slog.Logger

	mu    sync.Mutex
	count int64
}

// NewCounter creates a Counter starting at zero.
// Panics if pub is nil (programmer error).
func NewCounter(pub Publisher, logger *slog.Logger) *Counter {
	if pub == nil {
		panic("tap: NewCounter called with nil publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{pub: pub, log: logger}
}

// Count returns the number of taps counted so far.
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Tap counts one tap and publishes the new total. The count advances even
// when publishing fails; counts reach the publisher in order.
func (c *Counter) Tap(ctx context.Context) (int64, ble.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	d, err := c.pub.Publish(ctx, protocol.TapCount{Count: c.count})
	return c.count, d, err
}

// Run counts every tap received until taps is closed or ctx is cancelled.
func (c *Counter) Run(ctx context.Context, taps <-chan Tap) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tp, ok := <-taps:
			if !ok {
				return nil
			}
			n, d, err := c.Tap(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Warn("[TAP] publish failed", "count", n, "source", tp.Source, "error", err)
				continue
			}
			c.log.Info("[TAP] tap", "count", n, "source", tp.Source, "delivery", d)
		}
	}
}
