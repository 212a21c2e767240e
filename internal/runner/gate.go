package runner

import (
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/devloop/internal/metrics"
	"github.com/loykin/devloop/internal/process"
)

// DefaultPollInterval is how often a draining slot re-checks the running count.
const DefaultPollInterval = 20 * time.Millisecond

// ErrBusy is returned by TryRun when another command is running.
var ErrBusy = errors.New("another command is running")

// Class names a logical action whose triggers coalesce into one run.
type Class string

const (
	ClassInstall Class = "install"
	ClassBuild   Class = "build"
	// ClassTask labels direct launches that bypass scheduling.
	ClassTask Class = "task"
)

// State is the scheduling state of one action class.
//
// Idle -> Scheduled -> Draining -> Running -> Idle
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateDraining
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateDraining:
		return "draining"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// LauncherFunc starts a command. process.Start is used when nil.
type LauncherFunc func(process.Spec) (*process.Process, error)

// Observer receives the lifecycle of a launched command. Callbacks run on the loop.
type Observer struct {
	OnLaunch func(spec process.Spec) // just before the spawn, after any busy check
	OnOutput func(stream process.EventType, chunk []byte)
	OnExit   func(h *Handle, exit process.Exit)
}

// Handle is a command launched through the gate.
type Handle struct {
	class Class
	proc  *process.Process
}

func (h *Handle) Class() Class { return h.class }

func (h *Handle) Process() *process.Process { return h.proc }

type slot struct {
	class  Class
	phase  State // StateIdle, StateScheduled or StateDraining
	gen    uint64
	timer  *time.Timer
	action func()
	handle *Handle // launched by this slot's last action, until it exits
}

// Gate is the single-flight debounce scheduler. All methods except
// ShutdownAll must be called from the loop goroutine.
type Gate struct {
	loop         *Loop
	launch       LauncherFunc
	pollInterval time.Duration

	running   int
	slots     map[Class]*slot
	launching *slot
	handles   map[*Handle]struct{}
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithLauncher replaces process.Start.
func WithLauncher(fn LauncherFunc) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.launch = fn
		}
	}
}

// NewGate creates a gate whose timers and process events are delivered on loop.
func NewGate(loop *Loop, opts ...GateOption) *Gate {
	g := &Gate{
		loop:         loop,
		launch:       process.Start,
		pollInterval: DefaultPollInterval,
		slots:        make(map[Class]*slot),
		handles:      make(map[*Handle]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Running returns the number of commands currently running.
func (g *Gate) Running() int { return g.running }

// State reports the scheduling state of class.
// A pending reschedule takes precedence over a still-running command.
func (g *Gate) State(class Class) State {
	s, ok := g.slots[class]
	if !ok {
		return StateIdle
	}
	if s.phase != StateIdle {
		return s.phase
	}
	if s.handle != nil {
		return StateRunning
	}
	return StateIdle
}

// Schedule registers action to run once for class after window has passed
// without another Schedule for the same class, and once nothing is running.
// A call while the previous one is still scheduled or draining cancels it and
// restarts the window with the new action.
func (g *Gate) Schedule(class Class, window time.Duration, action func()) {
	s := g.slot(class)
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = StateScheduled
	s.action = action
	gen := s.gen
	s.timer = time.AfterFunc(window, func() {
		g.loop.Post(func() { g.elapsed(s, gen) })
	})
}

// Cancel drops a scheduled or draining action for class. A command that is
// already running is not affected.
func (g *Gate) Cancel(class Class) {
	s, ok := g.slots[class]
	if !ok {
		return
	}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = StateIdle
	s.action = nil
}

func (g *Gate) slot(class Class) *slot {
	s, ok := g.slots[class]
	if !ok {
		s = &slot{class: class}
		g.slots[class] = s
	}
	return s
}

// elapsed moves a slot from Scheduled to Draining; stale generations are ignored
// because a stopped timer may already have posted its task.
func (g *Gate) elapsed(s *slot, gen uint64) {
	if s.gen != gen {
		return
	}
	s.phase = StateDraining
	g.drain(s, gen)
}

func (g *Gate) drain(s *slot, gen uint64) {
	if s.gen != gen {
		return
	}
	if g.running > 0 {
		s.timer = time.AfterFunc(g.pollInterval, func() {
			g.loop.Post(func() { g.drain(s, gen) })
		})
		return
	}
	action := s.action
	s.phase = StateIdle
	s.action = nil
	s.timer = nil
	if action == nil {
		return
	}
	g.launching = s
	defer func() { g.launching = nil }()
	action()
}

// TryRun launches spec now unless a command is running, in which case it
// returns ErrBusy and nothing is queued.
func (g *Gate) TryRun(spec process.Spec, obs Observer) (*Handle, error) {
	if g.running > 0 {
		metrics.IncRejected()
		return nil, ErrBusy
	}
	return g.Run(spec, obs)
}

// Run launches spec immediately. The running count is incremented only when
// the spawn succeeded and is decremented when the process exits.
// When called from a scheduled action the launch is attributed to its class.
func (g *Gate) Run(spec process.Spec, obs Observer) (*Handle, error) {
	class := ClassTask
	if g.launching != nil {
		class = g.launching.class
	}
	if obs.OnLaunch != nil {
		obs.OnLaunch(spec)
	}
	p, err := g.launch(spec)
	if err != nil {
		metrics.IncSpawnFailure(string(class))
		slog.Error("Command failed to start", "class", class, "command", spec.CommandLine(), "error", err)
		return nil, err
	}
	g.running++
	metrics.SetRunningCommands(g.running)
	metrics.IncCommandStarted(string(class))
	slog.Info("Command spawned", "class", class, "command", spec.CommandLine(), "pid", p.PID())

	h := &Handle{class: class, proc: p}
	g.handles[h] = struct{}{}
	s := g.launching
	if s != nil {
		s.handle = h
	}
	go g.forward(h, s, obs)
	return h, nil
}

// forward relays process events to the loop in order.
func (g *Gate) forward(h *Handle, s *slot, obs Observer) {
	for ev := range h.proc.Events() {
		if ev.Type == process.EventExit {
			g.loop.Post(func() { g.finish(h, s, ev.Exit, obs) })
			continue
		}
		if obs.OnOutput != nil {
			g.loop.Post(func() { obs.OnOutput(ev.Type, ev.Data) })
		}
	}
}

func (g *Gate) finish(h *Handle, s *slot, exit process.Exit, obs Observer) {
	if g.running > 0 {
		g.running--
	}
	delete(g.handles, h)
	if s != nil && s.handle == h {
		s.handle = nil
	}
	metrics.SetRunningCommands(g.running)
	metrics.ObserveCommandFinished(string(h.class), exit.Success(), exit.Duration.Seconds())
	if exit.Success() {
		slog.Info("Command exited", "class", h.class, "command", h.proc.Spec().CommandLine(), "code", exit.Code, "duration", exit.Duration)
	} else {
		slog.Warn("Command exited", "class", h.class, "command", h.proc.Spec().CommandLine(), "code", exit.Code, "duration", exit.Duration, "error", exit.Err)
	}
	if obs.OnExit != nil {
		obs.OnExit(h, exit)
	}
}

// ShutdownAll cancels pending actions and stops running commands. It is meant
// to be called after the loop has stopped.
func (g *Gate) ShutdownAll(wait time.Duration) {
	for class := range g.slots {
		g.Cancel(class)
	}
	for h := range g.handles {
		_ = h.proc.Stop(wait)
	}
}
