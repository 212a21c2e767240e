package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/devloop/internal/metrics"
)

// Kind is the type of a filesystem change.
type Kind int

const (
	Added Kind = iota
	Changed
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ID identifies one subscription. IDs are never reused, so a recreated
// subscription gets a new one.
type ID uint64

// Event is a change observed by a subscription. Path is relative to Options.Dir
// and uses '/' separators.
type Event struct {
	Kind   Kind
	Path   string
	Source ID
}

// PatternsProvider returns the patterns a subscription selects. It is called
// on Watch and again on every RefreshAll.
type PatternsProvider func() []string

// Callback receives events from the subscription's pump goroutine. It must not
// block and must not call back into the Set.
type Callback func(Event)

// DefaultIgnore lists directory names never registered with the watcher.
var DefaultIgnore = []string{"node_modules", ".git"}

// Options scopes a subscription.
type Options struct {
	Dir    string
	Ignore []string // directory base names to skip; DefaultIgnore when nil
}

func (o Options) ignored(name string) bool {
	list := o.Ignore
	if list == nil {
		list = DefaultIgnore
	}
	for _, ig := range list {
		if name == ig {
			return true
		}
	}
	return false
}

// Info describes a live subscription.
type Info struct {
	ID       ID       `json:"id"`
	Dir      string   `json:"dir"`
	Patterns []string `json:"patterns"`
}

type subscription struct {
	id       ID
	provider PatternsProvider
	opts     Options
	cb       Callback

	matcher *Matcher
	watcher *fsnotify.Watcher
	active  atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// Set owns independent watch subscriptions.
type Set struct {
	mu    sync.Mutex
	next  ID
	subs  []*subscription
	alive map[ID]*subscription
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{alive: make(map[ID]*subscription)}
}

// Watch evaluates provider once, registers every directory under opts.Dir and
// only then arms the subscription. Files that already exist produce no events.
func (s *Set) Watch(provider PatternsProvider, opts Options, cb Callback) (ID, error) {
	if provider == nil || cb == nil {
		return 0, errors.New("watch: provider and callback are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	sub := &subscription{id: s.next, provider: provider, opts: opts, cb: cb}
	if err := s.arm(sub); err != nil {
		return 0, err
	}
	s.subs = append(s.subs, sub)
	s.alive[sub.id] = sub
	return sub.id, nil
}

func (s *Set) arm(sub *subscription) error {
	m, err := Compile(sub.provider())
	if err != nil {
		return err
	}
	dir := sub.opts.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch: resolve %s: %w", dir, err)
	}
	sub.opts.Dir = abs

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch: add %s: %w", abs, err)
	}
	sub.addTree(w, abs)

	sub.matcher = m
	sub.watcher = w
	sub.stop = make(chan struct{})
	sub.done = make(chan struct{})
	sub.active.Store(true)
	go sub.pump()
	slog.Debug("Watch armed", "id", sub.id, "dir", abs, "patterns", m.Patterns())
	return nil
}

// addTree registers root's subdirectories, skipping ignored names.
func (sub *subscription) addTree(w *fsnotify.Watcher, root string) {
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if p != root && sub.opts.ignored(info.Name()) {
			return filepath.SkipDir
		}
		if p != root {
			if err := w.Add(p); err != nil {
				slog.Warn("Watch add failed", "path", p, "error", err)
			}
		}
		return nil
	})
}

func (sub *subscription) pump() {
	defer close(sub.done)
	for {
		select {
		case <-sub.stop:
			return
		case ev, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			sub.handle(ev)
		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Watcher error", "id", sub.id, "dir", sub.opts.Dir, "error", err)
		}
	}
}

func (sub *subscription) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(sub.opts.Dir, ev.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)
	if sub.underIgnored(rel) {
		return
	}

	var kind Kind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Added
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := sub.watcher.Add(ev.Name); err == nil {
				sub.addTree(sub.watcher, ev.Name)
			}
		}
	case ev.Has(fsnotify.Write):
		kind = Changed
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Removed
	default:
		return
	}

	if !sub.matcher.Match(rel) || !sub.active.Load() {
		return
	}
	sub.cb(Event{Kind: kind, Path: rel, Source: sub.id})
}

func (sub *subscription) underIgnored(rel string) bool {
	for dir := filepath.Dir(filepath.FromSlash(rel)); ; dir = filepath.Dir(dir) {
		if dir == "." || dir == string(filepath.Separator) {
			break
		}
		if sub.opts.ignored(filepath.Base(dir)) {
			return true
		}
	}
	return sub.opts.ignored(filepath.Base(rel))
}

func (sub *subscription) close() {
	sub.active.Store(false)
	if sub.stop == nil {
		return
	}
	close(sub.stop)
	_ = sub.watcher.Close()
	<-sub.done
}

// Active reports whether id is a live subscription. Events queued by a
// subscription that has since been closed or refreshed report false.
func (s *Set) Active(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alive[id]
	return ok
}

// Subscriptions describes the live subscriptions in creation order.
func (s *Set) Subscriptions() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, Info{ID: sub.id, Dir: sub.opts.Dir, Patterns: sub.matcher.Patterns()})
	}
	return out
}

// CloseAll releases every watcher. When it returns no callback is running
// and none will run.
func (s *Set) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Set) closeLocked() {
	for _, sub := range s.subs {
		sub.close()
		delete(s.alive, sub.id)
	}
	s.subs = nil
}

// RefreshAll closes every subscription and recreates it from its original
// provider, which is evaluated again. It returns once the new subscriptions
// are armed. Subscriptions that fail to arm are dropped and their errors joined.
func (s *Set) RefreshAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.subs
	s.closeLocked()

	var errs []error
	for _, prev := range old {
		s.next++
		sub := &subscription{id: s.next, provider: prev.provider, opts: prev.opts, cb: prev.cb}
		if err := s.arm(sub); err != nil {
			slog.Error("Watch refresh failed", "dir", prev.opts.Dir, "error", err)
			errs = append(errs, err)
			continue
		}
		s.subs = append(s.subs, sub)
		s.alive[sub.id] = sub
	}
	metrics.IncWatchRefresh()
	return errors.Join(errs...)
}
