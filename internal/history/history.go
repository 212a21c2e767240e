package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of command event.
type EventType string

const (
	EventStart        EventType = "start"
	EventExit         EventType = "exit"
	EventSpawnFailure EventType = "spawn-failure"
	EventRejected     EventType = "rejected"
)

// Record describes one command run.
type Record struct {
	Class     string    `json:"class"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"` // zero until the command exits
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

// Key identifies a run across its start and exit events.
func (r Record) Key() string {
	return fmt.Sprintf("%s:%d:%d", r.Class, r.PID, r.StartedAt.UnixNano())
}

// Duration is the run time, zero while running.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Event is exported to history sinks.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullTime maps a zero time to SQL NULL.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullString maps an empty string to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DefaultSendTimeout bounds one Sink.Send issued by a Recorder.
const DefaultSendTimeout = 5 * time.Second

// Recorder forwards events to a Sink from its own goroutine so callers never
// wait on the sink. A nil *Recorder discards everything.
type Recorder struct {
	sink    Sink
	ch      chan Event
	done    chan struct{}
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a Recorder with a queue of buffer events.
func NewRecorder(sink Sink, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		sink:    sink,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		timeout: DefaultSendTimeout,
	}
	go r.run()
	return r
}

// Record queues e. It returns false when the queue is full or closed.
func (r *Recorder) Record(e Event) bool {
	if r == nil {
		return false
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.ch <- e:
		return true
	default:
		slog.Warn("History queue full, dropping event", "type", e.Type, "command", e.Record.Command)
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Send(ctx, e); err != nil {
			slog.Warn("History sink failed", "type", e.Type, "command", e.Record.Command, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and closes the sink when it is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
