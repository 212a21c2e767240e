package orchestrator

import (
	"io"
	"log/slog"
	"sync"
)

const defaultOutputBuffer = 1024

// output copies command output to a local writer from its own goroutine so
// the loop never waits on a terminal or a log file.
type output struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newOutput(w io.Writer, buffer int) *output {
	if buffer <= 0 {
		buffer = defaultOutputBuffer
	}
	o := &output{ch: make(chan []byte, buffer), done: make(chan struct{})}
	go func() {
		defer close(o.done)
		for b := range o.ch {
			if w == nil {
				continue
			}
			if _, err := w.Write(b); err != nil {
				slog.Debug("Command output write failed", "error", err)
			}
		}
	}()
	return o
}

// write queues chunk; it is dropped when the writer is too far behind.
func (o *output) write(chunk []byte) {
	select {
	case o.ch <- chunk:
	default:
		slog.Debug("Dropping command output", "bytes", len(chunk))
	}
}

// close flushes queued output. write must not be called afterwards.
func (o *output) close() {
	o.once.Do(func() { close(o.ch) })
	<-o.done
}
