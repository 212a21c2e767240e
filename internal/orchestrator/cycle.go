package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/devloop/internal/config"
	"github.com/loykin/devloop/internal/history"
	"github.com/loykin/devloop/internal/manifest"
	"github.com/loykin/devloop/internal/process"
	"github.com/loykin/devloop/internal/reload"
	"github.com/loykin/devloop/internal/runner"
)

// RefusalError is reported to a requester whose task was not started because
// another command is running.
type RefusalError struct {
	Command string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("Refusing to run %q while other commands are running...", e.Command)
}

func (e *RefusalError) Unwrap() error { return runner.ErrBusy }

func (o *Orchestrator) spec(name string, c config.CommandConfig) process.Spec {
	return process.Spec{
		Name:    name,
		Command: c.Command,
		Args:    append([]string(nil), c.Args...),
		WorkDir: o.files.Root(),
		Env:     o.env,
	}
}

func (o *Orchestrator) runInstall() {
	spec := o.spec(string(runner.ClassInstall), o.cfg.Install)
	if err := o.start(spec, false, func(process.Exit) { o.afterInstall() }); err != nil {
		o.hub.Broadcast(reload.EventCommandError, err.Error())
	}
}

func (o *Orchestrator) runBuild() {
	spec := o.spec(string(runner.ClassBuild), o.cfg.Build)
	if err := o.start(spec, false, func(process.Exit) { o.hub.ReloadClients() }); err != nil {
		o.hub.Broadcast(reload.EventCommandError, err.Error())
	}
}

// runTask starts "<tasks command> <task>" unless a command is running or the
// task is not a manifest script.
func (o *Orchestrator) runTask(task string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return fmt.Errorf("%w: empty task name", ErrUnknownTask)
	}
	spec := o.spec(task, config.CommandConfig{
		Command: o.cfg.Tasks.Command,
		Args:    append(append([]string(nil), o.cfg.Tasks.Args...), task),
	})
	line := spec.CommandLine()
	if !o.cfg.Tasks.AllowUnlisted {
		m, err := o.manifest.Current()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownTask, err)
		}
		if !m.HasScript(task) {
			return fmt.Errorf("%w: %q is not a script in %s", ErrUnknownTask, task, manifest.FileName)
		}
	}
	err := o.start(spec, true, func(process.Exit) { o.hub.ReloadClients() })
	if errors.Is(err, runner.ErrBusy) {
		o.reject(line)
		return &RefusalError{Command: line}
	}
	return err
}

func (o *Orchestrator) reject(line string) {
	slog.Info("Refusing task while busy", "command", line, "running", o.gate.Running())
	o.history.Record(history.Event{
		Type:   history.EventRejected,
		Record: history.Record{Class: string(runner.ClassTask), Command: line},
	})
}

// start launches spec through the gate and reports its lifecycle to clients:
// command before the spawn, command-end with the same line after the exit.
// done runs on the loop after command-end has been broadcast.
func (o *Orchestrator) start(spec process.Spec, try bool, done func(process.Exit)) error {
	line := spec.CommandLine()
	obs := runner.Observer{
		OnLaunch: func(process.Spec) { o.hub.Broadcast(reload.EventCommand, line) },
		OnOutput: o.output,
		OnExit: func(h *runner.Handle, exit process.Exit) {
			o.hub.Broadcast(reload.EventCommandEnd, line)
			o.history.Record(history.Event{Type: history.EventExit, Record: record(h, &exit)})
			if done != nil {
				done(exit)
			}
		},
	}
	var (
		h   *runner.Handle
		err error
	)
	if try {
		h, err = o.gate.TryRun(spec, obs)
	} else {
		h, err = o.gate.Run(spec, obs)
	}
	if err != nil {
		if !errors.Is(err, runner.ErrBusy) {
			o.history.Record(history.Event{
				Type:   history.EventSpawnFailure,
				Record: history.Record{Class: spec.Name, Command: line, Error: err.Error()},
			})
		}
		return err
	}
	o.history.Record(history.Event{Type: history.EventStart, Record: record(h, nil)})
	return nil
}

func (o *Orchestrator) output(stream process.EventType, chunk []byte) {
	o.out.write(chunk)
	event := reload.EventStdout
	if stream == process.EventStderr {
		event = reload.EventStderr
	}
	o.hub.Broadcast(event, string(chunk))
}

// record describes h; exit is nil while the command runs.
func record(h *runner.Handle, exit *process.Exit) history.Record {
	p := h.Process()
	r := history.Record{
		Class:     string(h.Class()),
		Command:   p.Spec().CommandLine(),
		PID:       p.PID(),
		StartedAt: p.StartedAt().UTC(),
	}
	if exit == nil {
		return r
	}
	r.ExitCode = exit.Code
	r.EndedAt = r.StartedAt.Add(exit.Duration)
	if exit.Duration <= 0 {
		r.EndedAt = time.Now().UTC()
	}
	if exit.Err != nil {
		r.Error = exit.Err.Error()
	}
	return r
}
