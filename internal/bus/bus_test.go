package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishStampsEnvelope(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(Envelope{Type: EventTrialCompleted, Source: "orchestrator", RunID: "run-1"})

	env := recvOne(t, ch)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, uint64(1), env.Sequence)
	assert.Equal(t, EventTrialCompleted, env.Type)
	assert.Equal(t, "run-1", env.RunID)
}

func TestSequenceMonotonic(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Envelope{Type: EventTrialCompleted})
	}

	var last uint64
	for i := 0; i < 5; i++ {
		env := recvOne(t, ch)
		assert.Greater(t, env.Sequence, last)
		last = env.Sequence
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(EventRunCompleted, EventRunCancelled)
	defer cancel()

	b.Publish(Envelope{Type: EventTrialCompleted})
	b.Publish(Envelope{Type: EventRunCompleted})

	env := recvOne(t, ch)
	assert.Equal(t, EventRunCompleted, env.Type)
	assert.Empty(t, ch)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(WithBufferSize(2))
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Envelope{Type: EventTrialCompleted})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(8), b.Dropped())
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// No subscribers left; publish must not panic.
	b.Publish(Envelope{Type: EventTrialFailed})
}

func TestCloseIdempotent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()

	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Cancel after close must not panic on the already-closed channel.
	cancel()

	// Publish after close is a no-op.
	b.Publish(Envelope{Type: EventRunCompleted})
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New()
	b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	_, ok := <-ch
	assert.False(t, ok)
}
