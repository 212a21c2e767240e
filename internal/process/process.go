package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// EventType identifies a lifecycle event of a launched process.
type EventType int

const (
	EventStdout EventType = iota
	EventStderr
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one item of the process event stream. Data is set for output
// events, Exit for the final EventExit.
type Event struct {
	Type EventType
	Data []byte
	Exit Exit
}

// Exit describes how a process finished.
// A non-zero Code is a normal completion, not a launch failure.
type Exit struct {
	Code     int
	Err      error
	Duration time.Duration
}

// Success reports whether the process exited with status zero.
func (e Exit) Success() bool { return e.Code == 0 && e.Err == nil }

// SpawnError is returned by Start when the OS could not start the command.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

const readChunk = 32 * 1024

// Process is a launched command. Its output and exit are delivered on Events.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	events    chan Event
	done      chan struct{}
	startedAt time.Time

	mu   sync.Mutex
	exit Exit
}

// Start spawns spec and begins streaming its output.
// On failure nothing is running and the error is a *SpawnError.
func Start(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Command: spec.CommandLine(), Err: err}
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.CommandLine(), Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.CommandLine(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.CommandLine(), Err: err}
	}

	p := &Process{
		spec:      spec,
		cmd:       cmd,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go p.monitor(stdout, stderr)
	return p, nil
}

// Spec returns the spec the process was started with.
func (p *Process) Spec() Spec { return p.spec }

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Events returns the event stream. Output events come first, ordered within
// each stream; exactly one EventExit is delivered last and the channel is closed.
func (p *Process) Events() <-chan Event { return p.events }

// Done is closed after the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus returns the exit information; valid after Done is closed.
func (p *Process) ExitStatus() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) monitor(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.pump(stdout, EventStdout) }()
	go func() { defer wg.Done(); p.pump(stderr, EventStderr) }()
	// Pipes must be drained before Wait, see os/exec docs.
	wg.Wait()

	err := p.cmd.Wait()
	exit := Exit{Duration: time.Since(p.startedAt)}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit.Code = ee.ExitCode()
		} else {
			exit.Code = -1
			exit.Err = err
		}
	}
	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()

	p.events <- Event{Type: EventExit, Exit: exit}
	close(p.events)
	close(p.done)
}

func (p *Process) pump(r io.Reader, t EventType) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.events <- Event{Type: t, Data: chunk}
		}
		if err != nil {
			return
		}
	}
}

// Stop asks the process group to terminate and escalates to SIGKILL after wait.
// It returns once the process has been reaped or the kill grace expired.
func (p *Process) Stop(wait time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	pid := p.PID()
	_ = terminateGroup(pid)
	select {
	case <-p.done:
		return nil
	case <-time.After(wait):
	}
	if err := killGroup(pid); err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}
