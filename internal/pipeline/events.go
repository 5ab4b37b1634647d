package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a run progress event.
type EventType string

const (
	EventExecuted EventType = "executed" // Execution finished; Status and Instructions set.
	EventState    EventType = "state"    // Transport state transition; State set.
	EventAck      EventType = "ack"      // One line acknowledged; Index and Line set.
	EventDone     EventType = "done"     // Run finished; no further events follow.
)

// Event is one progress notification for a run.
type Event struct {
	RunID        uuid.UUID `json:"run_id"`
	Type         EventType `json:"type"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	Instructions int       `json:"instructions,omitempty"`
	State        string    `json:"state,omitempty"`
	Index        int       `json:"index,omitempty"`
	Line         string    `json:"line,omitempty"`
	Time         time.Time `json:"time"`
}

// subscriberBuffer bounds how far a slow watcher may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Broker fans run events out to watchers. Publishing never blocks: a
// watcher whose buffer is full misses events, but always gets the final
// EventDone because the channel is closed after it.
type Broker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

// Subscribe registers a watcher for runID. The returned cancel function
// must be called once the watcher is done; it is safe to call twice.
func (b *Broker) Subscribe(runID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[runID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[runID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, runID)
				}
			}
		})
	}
}

// Publish delivers ev to the run's watchers. EventDone closes their channels.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[ev.RunID]
	for ch := range set {
		sent := trySend(ch, ev)
		if ev.Type != EventDone {
			continue
		}
		if !sent {
			// Drop the oldest pending event so the final one is never lost.
			select {
			case <-ch:
			default:
			}
			trySend(ch, ev)
		}
		close(ch)
	}
	if ev.Type == EventDone {
		delete(b.subs, ev.RunID)
	}
}

func trySend(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Watchers returns the number of active watchers for runID.
func (b *Broker) Watchers(runID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
