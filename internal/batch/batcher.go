// Package batch accumulates trade events and flushes them to persistence in
// timed batches.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/walletscout/engine/internal/store"
)

// Sink persists one drained batch in a single call. The primary
// implementation is the atomic insert-or-ignore batch insert; a best-effort
// per-row variant is selectable via configuration.
type Sink interface {
	Persist(ctx context.Context, events []store.TradeEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, events []store.TradeEvent) error

func (f SinkFunc) Persist(ctx context.Context, events []store.TradeEvent) error {
	return f(ctx, events)
}

// Batcher is a mutex-guarded buffer of pending events shared between the
// stream producer and the periodic flush task. Append is O(1) under the
// lock; the lock is never held across the persistence call. Reaching the
// size threshold triggers an immediate out-of-band flush in addition to the
// timer.
type Batcher struct {
	mu      sync.Mutex
	pending []store.TradeEvent

	sink      Sink
	interval  time.Duration
	threshold int
	kick      chan struct{}
}

// New creates a Batcher flushing every interval, or immediately once
// threshold pending events accumulate.
func New(sink Sink, interval time.Duration, threshold int) *Batcher {
	return &Batcher{
		sink:      sink,
		interval:  interval,
		threshold: threshold,
		kick:      make(chan struct{}, 1),
	}
}

// Add appends one event to the buffer.
func (b *Batcher) Add(ev store.TradeEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	full := b.threshold > 0 && len(b.pending) >= b.threshold
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of buffered events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run drives the flush loop until ctx is cancelled, then performs a final
// drain so shutdown does not strand buffered events.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.Flush(final)
			cancel()
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			slog.Debug("buffer_threshold_reached", "threshold", b.threshold)
			b.Flush(ctx)
		}
	}
}

// Flush drains the buffer under the lock and persists the drained batch
// outside it. Under the atomic sink a failing batch is dropped; the loss is
// logged with its size.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.sink.Persist(ctx, batch); err != nil {
		slog.Error("flush_failed", "events_lost", len(batch), "error", err)
		return
	}
	slog.Info("events_flushed", "count", len(batch))
}
