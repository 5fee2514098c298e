package registry

import "github.com/flemzord/jobd/internal/job"

// EventType names a registry event.
type EventType string

// Registry events.
const (
	EventStarted   EventType = "started"
	EventOutput    EventType = "output"
	EventCompleted EventType = "completed"
)

// subscriberBuffer is the per-subscriber channel capacity. Events for a
// subscriber whose buffer is full are dropped.
const subscriberBuffer = 64

// Event describes a change to an execution. Started and completed events
// carry a snapshot; output events carry only the new chunk.
type Event struct {
	Type        EventType      `json:"type"`
	Execution   *job.Execution `json:"execution,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	JobID       string         `json:"jobId,omitempty"`
	Stream      string         `json:"stream,omitempty"`
	Chunk       string         `json:"chunk,omitempty"`
}

// Subscribe returns a channel receiving every subsequent event and a
// cancel func that unregisters and closes it. Slow subscribers lose events
// rather than blocking executions.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.dropped.Add(1)
		}
	}
}
