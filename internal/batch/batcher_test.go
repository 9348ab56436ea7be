package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscout/engine/internal/store"
)

// captureSink records persisted batches.
type captureSink struct {
	mu      sync.Mutex
	batches [][]store.TradeEvent
	err     error
}

func (c *captureSink) Persist(_ context.Context, events []store.TradeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	cp := make([]store.TradeEvent, len(events))
	copy(cp, events)
	c.batches = append(c.batches, cp)
	return nil
}

func (c *captureSink) snapshot() [][]store.TradeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]store.TradeEvent(nil), c.batches...)
}

func event(sig string) store.TradeEvent {
	return store.TradeEvent{Signature: sig, Wallet: "W", Action: store.ActionBuy}
}

func TestFlushDrainsBufferedEventsAsOneBatch(t *testing.T) {
	sink := &captureSink{}
	b := New(sink, time.Hour, 100)

	b.Add(event("a"))
	b.Add(event("b"))
	b.Add(event("c"))
	require.Equal(t, 3, b.Len())

	b.Flush(context.Background())

	assert.Zero(t, b.Len())
	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Equal(t, "a", batches[0][0].Signature)
	assert.Equal(t, "c", batches[0][2].Signature)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	sink := &captureSink{}
	b := New(sink, time.Hour, 100)

	b.Flush(context.Background())
	assert.Empty(t, sink.snapshot())
}

func TestThresholdTriggersImmediateFlush(t *testing.T) {
	sink := &captureSink{}
	// Long interval: only the threshold can cause a flush in this test.
	b := New(sink, time.Hour, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Add(event("a"))
	b.Add(event("b"))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, sink.snapshot()[0], 2)

	cancel()
	<-done
}

func TestTimerFlush(t *testing.T) {
	sink := &captureSink{}
	b := New(sink, 20*time.Millisecond, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Add(event("a"))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestFailedFlushDropsBatch(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	b := New(sink, time.Hour, 100)

	b.Add(event("a"))
	b.Flush(context.Background())

	// Atomic contract: the drained batch is not requeued on failure.
	assert.Zero(t, b.Len())

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	b.Add(event("b"))
	b.Flush(context.Background())

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "b", batches[0][0].Signature)
}

func TestShutdownFlushesRemainder(t *testing.T) {
	sink := &captureSink{}
	b := New(sink, time.Hour, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Add(event("a"))
	cancel()
	<-done

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "a", batches[0][0].Signature)
}
