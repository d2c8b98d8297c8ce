// Package events carries orchestrator notifications: an in-process
// pub/sub bus and the append-only JSONL audit trail.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventPhaseTransition     EventType = "phase_transition"
	EventItemOutcome         EventType = "item_outcome"
	EventCheckpointCommitted EventType = "checkpoint_committed"
	EventRollbackCompleted   EventType = "rollback_completed"
	EventDecisionEnqueued    EventType = "decision_enqueued"
	EventDecisionResolved    EventType = "decision_resolved"
	EventEventIngested       EventType = "event_ingested"
	EventRunFinished         EventType = "run_finished"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

type subscription struct {
	ch   chan Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber; publishers
// never block. A nil *Bus is a valid no-op bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferSize  int
	dropped     atomic.Int64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe func.
// Subscriber panics are recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	go func() {
		for event := range sub.ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s == sub {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		sub.close()
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, sub := range b.subscribers[eventType] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subscribers {
		for _, s := range subs {
			s.close()
		}
		delete(b.subscribers, eventType)
	}
}
