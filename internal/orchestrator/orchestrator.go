// Package orchestrator wires file watching, the run gate, the route table and
// the reload hub into the install/build/serve loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/devloop/internal/config"
	"github.com/loykin/devloop/internal/history"
	"github.com/loykin/devloop/internal/history/factory"
	"github.com/loykin/devloop/internal/logger"
	"github.com/loykin/devloop/internal/manifest"
	"github.com/loykin/devloop/internal/reload"
	"github.com/loykin/devloop/internal/route"
	"github.com/loykin/devloop/internal/runner"
	"github.com/loykin/devloop/internal/watch"
)

// DistRouteName is the route table entry holding the build output.
const DistRouteName = "dist"

var (
	// ErrUnknownTask is returned for a task that is not a manifest script.
	ErrUnknownTask = errors.New("unknown task")
	// ErrStopped is returned when the loop is no longer running.
	ErrStopped = errors.New("orchestrator stopped")
)

// Orchestrator owns every component of one dev loop. Its state is only
// touched from tasks running on the loop.
type Orchestrator struct {
	cfg      *config.Config
	env      []string
	loop     *runner.Loop
	gate     *runner.Gate
	watches  *watch.Set
	manifest *manifest.Store
	routes   *route.Table
	hub      *reload.Hub
	files    *Files
	history  *history.Recorder
	out      *output
	closers  []io.Closer

	gateOpts []runner.GateOption
	patterns patterns
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLauncher replaces process.Start for every command.
func WithLauncher(fn runner.LauncherFunc) Option {
	return func(o *Orchestrator) { o.gateOpts = append(o.gateOpts, runner.WithLauncher(fn)) }
}

// WithPollInterval overrides how often a drained action re-checks the gate.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.gateOpts = append(o.gateOpts, runner.WithPollInterval(d)) }
}

// WithOutput sends command output to w instead of stdout and the output log.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = newOutput(w, 0) }
}

// WithRecorder replaces the recorder built from the history config.
func WithRecorder(r *history.Recorder) Option {
	return func(o *Orchestrator) { o.history = r }
}

// WithNotFound sets the handler for requests no route serves.
func WithNotFound(h http.Handler) Option {
	return func(o *Orchestrator) { o.routes = route.NewTable(route.WithNotFound(h)) }
}

// New builds an orchestrator for cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: config is required")
	}
	dir, err := filepath.Abs(cfg.Project.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	env, err := cfg.CommandEnv()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		env:      env,
		loop:     runner.NewLoop(),
		watches:  watch.NewSet(),
		manifest: manifest.NewStore(cfg.ManifestPath()),
		files:    NewFiles(dir),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.routes == nil {
		o.routes = route.NewTable()
	}
	if o.out == nil {
		w := io.Writer(os.Stdout)
		if lw := logger.OutputWriter(logger.OutputConfig{
			File:       cfg.Log.Output.File,
			MaxSizeMB:  cfg.Log.Output.MaxSizeMB,
			MaxBackups: cfg.Log.Output.MaxBackups,
			MaxAgeDays: cfg.Log.Output.MaxAgeDays,
			Compress:   cfg.Log.Output.Compress,
		}); lw != nil {
			w = io.MultiWriter(os.Stdout, lw)
			o.closers = append(o.closers, lw)
		}
		o.out = newOutput(w, 0)
	}
	if o.history == nil && cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			// history is optional
			slog.Error("History sink unavailable", "error", err)
		} else {
			o.history = history.NewRecorder(sink, 0)
		}
	}
	o.gate = runner.NewGate(o.loop, o.gateOpts...)
	o.hub = reload.NewHub(
		reload.WithOnConnect(func(c *reload.Client) { o.loop.Post(func() { o.greet(c) }) }),
		reload.WithOnMessage(o.onMessage),
	)
	return o, nil
}

// Hub serves the live websocket channel.
func (o *Orchestrator) Hub() *reload.Hub { return o.hub }

// Routes serves the static build output.
func (o *Orchestrator) Routes() *route.Table { return o.routes }

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Run starts the loop and blocks until ctx is cancelled. Running commands are
// stopped and every watcher is released before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.loadPatterns()
	o.applyRoute()

	if _, err := os.Stat(o.cfg.InstalledPath()); errors.Is(err, os.ErrNotExist) {
		slog.Info("Installed directory missing, running initial install", "path", o.cfg.InstalledPath())
		o.loop.Post(func() { o.gate.Schedule(runner.ClassInstall, 0, o.runInstall) })
	}
	if _, err := o.watches.Watch(o.patterns.all, watch.Options{
		Dir:    o.cfg.Project.Dir,
		Ignore: o.cfg.Project.Ignore,
	}, o.onChange); err != nil {
		// watch errors are not fatal; a later refresh may recover
		slog.Error("Failed to watch project", "dir", o.cfg.Project.Dir, "error", err)
	}
	slog.Info("Watching project", "dir", o.cfg.Project.Dir, "patterns", o.patterns.all())

	err := o.loop.Run(ctx)
	o.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) shutdown() {
	o.watches.CloseAll()
	o.gate.ShutdownAll(o.cfg.Server.ShutdownTimeout)
	o.hub.Close()
	o.out.close()
	if err := o.history.Close(); err != nil {
		slog.Warn("History close failed", "error", err)
	}
	for _, c := range o.closers {
		_ = c.Close()
	}
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running  int                 `json:"running"`
	Install  string              `json:"install"`
	Build    string              `json:"build"`
	Route    route.Entry         `json:"route"`
	Clients  int                 `json:"clients"`
	Scripts  []string            `json:"scripts"`
	Watching []watch.Info        `json:"watching"`
	Patterns map[string][]string `json:"patterns"`
}

// Status collects a snapshot on the loop.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	ok := o.loop.Call(ctx, func() {
		st.Running = o.gate.Running()
		st.Install = o.gate.State(runner.ClassInstall).String()
		st.Build = o.gate.State(runner.ClassBuild).String()
		st.Route, _ = o.routes.Current(DistRouteName)
		st.Watching = o.watches.Subscriptions()
		st.Patterns = map[string][]string{
			string(runner.ClassInstall): o.patterns.install,
			string(runner.ClassBuild):   o.patterns.build,
		}
		if m, err := o.manifest.Current(); err == nil {
			st.Scripts = m.ScriptNames()
		}
	})
	if !ok {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		return Status{}, ErrStopped
	}
	st.Clients = o.hub.Clients()
	return st, nil
}

// RunTask runs a manifest script now, unless something else is running.
func (o *Orchestrator) RunTask(ctx context.Context, task string) error {
	var err error
	if !o.loop.Call(ctx, func() { err = o.runTask(task) }) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	return err
}

// greet pushes the current state to a newly connected client.
func (o *Orchestrator) greet(c *reload.Client) {
	if d := o.cfg.Project.Domain; d != "" {
		_ = c.Send(reload.EventProjectDomain, d)
	}
	if m, err := o.manifest.Current(); err == nil {
		_ = c.Send(reload.EventPackageJSON, m)
	} else {
		slog.Warn("Manifest unavailable", "path", o.manifest.Path(), "error", err)
	}
	if e, ok := o.routes.Current(DistRouteName); ok {
		_ = c.Send(reload.EventDistRoute, e.Route)
	}
}

// onChange runs on a watcher pump; it only queues the event.
func (o *Orchestrator) onChange(ev watch.Event) {
	o.loop.Post(func() { o.trigger(ev) })
}

func (o *Orchestrator) trigger(ev watch.Event) {
	if !o.watches.Active(ev.Source) {
		return
	}
	class := o.classify(ev.Path)
	slog.Debug("Change detected", "path", ev.Path, "kind", ev.Kind, "class", class)
	o.schedule(class)
}
