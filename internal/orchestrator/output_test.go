package orchestrator

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestOutputNeverBlocks(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	out := newOutput(w, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			out.write([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write blocked on a slow writer")
	}
	close(w.release)
	out.close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.buf.Len(); n == 0 || n > 10 {
		t.Fatalf("wrote %d bytes", n)
	}
}
