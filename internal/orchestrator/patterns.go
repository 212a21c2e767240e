package orchestrator

import (
	"log/slog"
	"path/filepath"

	"github.com/loykin/devloop/internal/manifest"
	"github.com/loykin/devloop/internal/metrics"
	"github.com/loykin/devloop/internal/reload"
	"github.com/loykin/devloop/internal/route"
	"github.com/loykin/devloop/internal/runner"
	"github.com/loykin/devloop/internal/watch"
)

// patterns is derived from the config and the manifest section, and is
// recomputed after every install.
type patterns struct {
	install []string
	build   []string
	match   *watch.Matcher // install patterns
}

// all is the provider of the project subscription.
func (p *patterns) all() []string {
	out := make([]string, 0, len(p.install)+len(p.build))
	out = append(out, p.install...)
	return append(out, p.build...)
}

// settings reads the manifest section; a missing or broken manifest yields
// the configured defaults.
func (o *Orchestrator) settings() manifest.Settings {
	m, err := o.manifest.Current()
	if err != nil {
		slog.Debug("Manifest unavailable", "path", o.manifest.Path(), "error", err)
		return manifest.Settings{}
	}
	s, err := m.Section(o.cfg.Project.Section)
	if err != nil {
		slog.Warn("Ignoring manifest section", "section", o.cfg.Project.Section, "error", err)
		return manifest.Settings{}
	}
	return s
}

func (o *Orchestrator) loadPatterns() {
	s := o.settings()
	install := []string{filepath.ToSlash(o.cfg.Project.Manifest)}
	install = append(install, s.Install...)
	install = validPatterns(append(install, o.cfg.Install.Patterns...))
	build := validPatterns(append(append([]string(nil), o.cfg.Build.Patterns...), s.Build...))

	m, err := watch.Compile(install)
	if err != nil {
		// unreachable after validPatterns
		slog.Error("Install patterns rejected", "error", err)
		m, _ = watch.Compile(nil)
	}
	o.patterns = patterns{install: install, build: build, match: m}
}

func validPatterns(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, p := range in {
		if p == "" || seen[p] {
			continue
		}
		if _, err := watch.Compile([]string{p}); err != nil {
			slog.Warn("Ignoring watch pattern", "pattern", p, "error", err)
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// classify maps a changed path to the action it triggers. Install wins when
// a path matches both sets.
func (o *Orchestrator) classify(rel string) runner.Class {
	if o.patterns.match != nil && o.patterns.match.Match(rel) {
		return runner.ClassInstall
	}
	return runner.ClassBuild
}

func (o *Orchestrator) schedule(class runner.Class) {
	metrics.IncWatchEvent(string(class))
	switch class {
	case runner.ClassInstall:
		o.gate.Schedule(class, o.cfg.Install.Window, o.runInstall)
	default:
		o.gate.Schedule(runner.ClassBuild, o.cfg.Build.Window, o.runBuild)
	}
}

// distEntry resolves the served build output from the config and manifest.
func (o *Orchestrator) distEntry() route.Entry {
	s := o.settings()
	e := route.Entry{
		Route:     o.cfg.Dist.Route,
		Directory: o.cfg.Dist.Directory,
		Index:     o.cfg.Dist.Index,
	}
	if s.DistRoute != "" {
		e.Route = s.DistRoute
	}
	if s.DistDirectory != "" {
		e.Directory = s.DistDirectory
	}
	if s.DistIndex != "" {
		e.Index = s.DistIndex
	}
	if !filepath.IsAbs(e.Directory) {
		e.Directory = filepath.Join(o.files.Root(), e.Directory)
	}
	return e
}

func (o *Orchestrator) applyRoute() {
	e := o.distEntry()
	if err := o.routes.Set(DistRouteName, e); err != nil {
		slog.Error("Failed to set dist route", "route", e.Route, "dir", e.Directory, "error", err)
		return
	}
	slog.Info("Serving build output", "route", e.Route, "dir", e.Directory, "index", e.Index)
}

// afterInstall runs once the install command exited, whatever its code.
func (o *Orchestrator) afterInstall() {
	o.manifest.Invalidate()
	o.loadPatterns()
	if err := o.watches.RefreshAll(); err != nil {
		slog.Error("Failed to refresh watchers", "error", err)
	}
	o.applyRoute()
	if m, err := o.manifest.Current(); err == nil {
		o.hub.Broadcast(reload.EventPackageJSON, m)
	} else {
		slog.Warn("Manifest unavailable after install", "path", o.manifest.Path(), "error", err)
	}
	if e, ok := o.routes.Current(DistRouteName); ok {
		o.hub.Broadcast(reload.EventDistRoute, e.Route)
	}
	o.hub.ReloadClients()
}
