package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) cb(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Path == path {
			return true
		}
	}
	return false
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func static(patterns ...string) PatternsProvider {
	return func() []string { return patterns }
}

func TestWatch_OnlySubsequentMatchingChangesFire(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.html"), "old")
	writeFile(t, filepath.Join(dir, "scripts", "app.js"), "old")

	set := NewSet()
	defer set.CloseAll()
	rec := &recorder{}
	id, err := set.Watch(static("*.html", "scripts"), Options{Dir: dir}, rec.cb)
	require.NoError(t, err)
	assert.True(t, set.Active(id))

	// give the watcher a moment; pre-existing files must stay silent
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, "about.html"), "new")
	writeFile(t, filepath.Join(dir, "scripts", "app.js"), "changed")

	require.Eventually(t, func() bool {
		return rec.has("about.html") && rec.has("scripts/app.js")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has("notes.txt"))
	for _, ev := range rec.snapshot() {
		assert.Equal(t, id, ev.Source)
	}
}

func TestWatch_NewDirectoriesAreWatched(t *testing.T) {
	dir := t.TempDir()
	set := NewSet()
	defer set.CloseAll()
	rec := &recorder{}
	_, err := set.Watch(static("styles"), Options{Dir: dir}, rec.cb)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "styles", "theme"), 0o755))
	require.Eventually(t, func() bool { return rec.has("styles") }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "styles", "theme", "dark.css"), "body{}")
	require.Eventually(t, func() bool {
		return rec.has("styles/theme/dark.css")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_IgnoredDirectoriesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))

	set := NewSet()
	defer set.CloseAll()
	rec := &recorder{}
	_, err := set.Watch(static("**"), Options{Dir: dir}, rec.cb)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(dir, "main.js"), "x")
	require.Eventually(t, func() bool { return rec.has("main.js") }, 2*time.Second, 10*time.Millisecond)
	for _, ev := range rec.snapshot() {
		assert.NotContains(t, ev.Path, "node_modules")
	}
}

func TestWatch_RemovedKind(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "index.html")
	writeFile(t, target, "x")

	set := NewSet()
	defer set.CloseAll()
	got := make(chan Event, 16)
	_, err := set.Watch(static("index.html"), Options{Dir: dir}, func(ev Event) { got <- ev })
	require.NoError(t, err)

	require.NoError(t, os.Remove(target))
	select {
	case ev := <-got:
		assert.Equal(t, Removed, ev.Kind)
		assert.Equal(t, "index.html", ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no remove event")
	}
}

func TestRefreshAll_ReevaluatesProvider(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	patterns := []string{"a.txt"}
	provider := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return patterns
	}

	set := NewSet()
	defer set.CloseAll()
	rec := &recorder{}
	oldID, err := set.Watch(provider, Options{Dir: dir}, rec.cb)
	require.NoError(t, err)

	mu.Lock()
	patterns = []string{"b.txt"}
	mu.Unlock()
	require.NoError(t, set.RefreshAll())

	assert.False(t, set.Active(oldID), "refreshed subscription gets a new id")
	subs := set.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{"b.txt"}, subs[0].Patterns)
	assert.True(t, set.Active(subs[0].ID))

	writeFile(t, filepath.Join(dir, "a.txt"), "x")
	writeFile(t, filepath.Join(dir, "b.txt"), "x")
	require.Eventually(t, func() bool { return rec.has("b.txt") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, rec.has("a.txt"))
	for _, ev := range rec.snapshot() {
		assert.Equal(t, subs[0].ID, ev.Source)
	}
}

func TestCloseAll_StopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	set := NewSet()
	rec := &recorder{}
	id, err := set.Watch(static("*"), Options{Dir: dir}, rec.cb)
	require.NoError(t, err)

	set.CloseAll()
	assert.False(t, set.Active(id))
	assert.Empty(t, set.Subscriptions())

	writeFile(t, filepath.Join(dir, "late.txt"), "x")
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestWatch_InvalidPattern(t *testing.T) {
	set := NewSet()
	defer set.CloseAll()
	_, err := set.Watch(static("[abc"), Options{Dir: t.TempDir()}, func(Event) {})
	require.Error(t, err)
	assert.Empty(t, set.Subscriptions())
}

func TestWatch_MissingDirectory(t *testing.T) {
	set := NewSet()
	_, err := set.Watch(static("*"), Options{Dir: filepath.Join(t.TempDir(), "nope")}, func(Event) {})
	require.Error(t, err)
}
