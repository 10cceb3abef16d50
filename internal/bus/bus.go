// Package bus provides the in-process pub/sub channel the orchestrator and
// experiment layers report progress on. Publishing never blocks: a slow
// subscriber drops events (counted) rather than stalling trial dispatch.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what an envelope announces.
type EventType string

const (
	EventTrialCompleted         EventType = "trial.completed"
	EventTrialFailed            EventType = "trial.failed"
	EventEvaluationRecorded     EventType = "evaluation.recorded"
	EventRunCompleted           EventType = "run.completed"
	EventRunBudgetExceeded      EventType = "run.budget_exceeded"
	EventRunCancelled           EventType = "run.cancelled"
	EventExperimentTransitioned EventType = "experiment.transitioned"
)

// DefaultBufferSize bounds each subscriber's backlog.
const DefaultBufferSize = 64

// Envelope is the unit of publication. Sequence is monotonic per bus so
// subscribers can detect gaps caused by drops.
type Envelope struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     uint64    `json:"sequence"`
	RunID        string    `json:"run_id,omitempty"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
}

type subscriber struct {
	ch    chan Envelope
	types map[EventType]bool // empty means all types
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	bufferSize  int
	closed      bool

	sequence uint64
	dropped  atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New creates a bus ready for publishing.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps identity, timestamp, and sequence onto the envelope and
// fans it out. Fan-out is non-blocking; a full subscriber buffer counts a
// drop instead of waiting. Publishing on a closed bus is a silent no-op so
// late in-flight trials cannot panic the process during shutdown.
func (b *Bus) Publish(env Envelope) Envelope {
	env.Sequence = atomic.AddUint64(&b.sequence, 1)
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return env
	}

	for _, sub := range b.subscribers {
		if !sub.wants(env.Type) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
	return env
}

// Subscribe registers interest in the given event types (none means all).
// The cancel func unregisters and closes the channel; calling it more than
// once is safe.
func (b *Bus) Subscribe(types ...EventType) (<-chan Envelope, func()) {
	sub := &subscriber{
		ch:    make(chan Envelope, b.bufferSize),
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Dropped reports how many envelopes were discarded due to full buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close unregisters all subscribers and closes their channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
