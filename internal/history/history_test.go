package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(_ context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, 8)
	started := time.Now().UTC()
	require.True(t, r.Record(Event{Type: EventStart, Record: Record{Class: "build", Command: "npm run build", PID: 10, StartedAt: started}}))
	require.True(t, r.Record(Event{Type: EventExit, Record: Record{Class: "build", Command: "npm run build", PID: 10, StartedAt: started, EndedAt: started.Add(time.Second), ExitCode: 1}}))
	require.NoError(t, r.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, EventStart, sink.events[0].Type)
	assert.False(t, sink.events[0].OccurredAt.IsZero(), "OccurredAt defaults to now")
	assert.Equal(t, time.Second, sink.events[1].Record.Duration())
	assert.Equal(t, sink.events[0].Record.Key(), sink.events[1].Record.Key())
	assert.True(t, sink.closed)

	assert.False(t, r.Record(Event{Type: EventStart}), "closed recorder refuses events")
	assert.NoError(t, r.Close(), "second close is a no-op")
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	r := NewRecorder(sink, 1)
	// the first event is taken by the worker which then blocks in Send
	require.True(t, r.Record(Event{Type: EventStart}))
	require.Eventually(t, func() bool { return len(r.ch) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, r.Record(Event{Type: EventStart}))
	assert.False(t, r.Record(Event{Type: EventStart}), "queue full")
	close(sink.block)
	require.NoError(t, r.Close())
}

func TestRecorder_SinkErrorsAreNotFatal(t *testing.T) {
	sink := &memSink{err: errors.New("db down")}
	r := NewRecorder(sink, 4)
	assert.True(t, r.Record(Event{Type: EventRejected, Record: Record{Command: "npm run lint"}}))
	require.NoError(t, r.Close())
	assert.Len(t, sink.events, 1)
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	assert.False(t, r.Record(Event{}))
	assert.NoError(t, r.Close())
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, NullTime(time.Time{}))
	assert.NotNil(t, NullTime(time.Now()))
	assert.Nil(t, NullString(""))
	assert.Equal(t, "x", NullString("x"))
	assert.Equal(t, time.Duration(0), Record{StartedAt: time.Now()}.Duration())
}
