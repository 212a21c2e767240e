package route

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devloop/internal/metrics"
)

// DefaultIndex is served for directory requests when Entry.Index is empty.
const DefaultIndex = "index.html"

// Entry binds a URL prefix to a directory of static files.
type Entry struct {
	Route     string `json:"route"`
	Directory string `json:"directory"`
	Index     string `json:"index"`
}

func (e Entry) normalized() (Entry, error) {
	if strings.TrimSpace(e.Directory) == "" {
		return e, errors.New("route: directory is required")
	}
	r := "/" + strings.Trim(strings.TrimSpace(e.Route), "/")
	e.Route = path.Clean(r)
	if e.Index == "" {
		e.Index = DefaultIndex
	}
	if strings.ContainsAny(e.Index, `/\`) {
		return e, errors.New("route: index must be a file name")
	}
	return e, nil
}

func (e Entry) matches(p string) bool {
	return e.Route == "/" || p == e.Route || strings.HasPrefix(p, e.Route+"/")
}

type mount struct {
	name    string
	entry   Entry
	handler http.Handler
}

// snapshot is immutable once published.
type snapshot struct {
	mounts []mount // longest route first
}

// Table serves one static directory per named route. Replacing an entry
// publishes a new snapshot with a single pointer store, so a request is
// resolved entirely against either the old or the new set of entries.
type Table struct {
	mu       sync.Mutex // serialises writers
	cur      atomic.Pointer[snapshot]
	notFound http.Handler
}

// Option customises a Table.
type Option func(*Table)

// WithNotFound sets the handler used when no entry matches or a file is missing.
func WithNotFound(h http.Handler) Option {
	return func(t *Table) {
		if h != nil {
			t.notFound = h
		}
	}
}

// NewTable returns an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{notFound: http.NotFoundHandler()}
	for _, o := range opts {
		o(t)
	}
	t.cur.Store(&snapshot{})
	return t
}

// Set installs or replaces the entry registered under name.
func (t *Table) Set(name string, e Entry) error {
	e, err := e.normalized()
	if err != nil {
		return err
	}
	m := mount{name: name, entry: e, handler: t.buildEngine(e)}

	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.cur.Load()
	next := &snapshot{mounts: make([]mount, 0, len(old.mounts)+1)}
	for _, om := range old.mounts {
		if om.name != name {
			next.mounts = append(next.mounts, om)
		}
	}
	next.mounts = append(next.mounts, m)
	sort.SliceStable(next.mounts, func(i, j int) bool {
		return len(next.mounts[i].entry.Route) > len(next.mounts[j].entry.Route)
	})
	t.cur.Store(next)
	metrics.IncRouteSwap()
	return nil
}

// Current returns the entry registered under name.
func (t *Table) Current(name string) (Entry, bool) {
	for _, m := range t.cur.Load().mounts {
		if m.name == name {
			return m.entry, true
		}
	}
	return Entry{}, false
}

// Prefixes returns the registered route prefixes, longest first.
func (t *Table) Prefixes() []string {
	mounts := t.cur.Load().mounts
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, m.entry.Route)
	}
	return out
}

// ServeHTTP dispatches to the entry with the longest matching prefix.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := t.cur.Load()
	for _, m := range snap.mounts {
		if m.entry.matches(r.URL.Path) {
			m.handler.ServeHTTP(w, r)
			return
		}
	}
	t.notFound.ServeHTTP(w, r)
}

// Match reports whether a request path would be handled by an entry.
func (t *Table) Match(p string) bool {
	for _, m := range t.cur.Load().mounts {
		if m.entry.matches(p) {
			return true
		}
	}
	return false
}

func (t *Table) buildEngine(e Entry) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.RedirectTrailingSlash = false
	serve := func(c *gin.Context) { t.serveFile(c, e) }
	if e.Route == "/" {
		g.GET("/*filepath", serve)
		g.HEAD("/*filepath", serve)
	} else {
		g.GET(e.Route, serve)
		g.HEAD(e.Route, serve)
		g.GET(e.Route+"/*filepath", serve)
		g.HEAD(e.Route+"/*filepath", serve)
	}
	g.NoRoute(func(c *gin.Context) { t.notFound.ServeHTTP(c.Writer, c.Request) })
	return g
}

func (t *Table) serveFile(c *gin.Context, e Entry) {
	full, ok := resolve(e.Directory, c.Param("filepath"))
	if !ok {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, e.Index)
		info, err = os.Stat(full)
	}
	if err != nil || info.IsDir() {
		t.notFound.ServeHTTP(c.Writer, c.Request)
		return
	}
	f, err := os.Open(full) // #nosec G304 -- confined to the entry directory by resolve
	if err != nil {
		t.notFound.ServeHTTP(c.Writer, c.Request)
		return
	}
	defer func() { _ = f.Close() }()
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// resolve maps a URL path below an entry onto dir, refusing anything that
// would escape it.
func resolve(dir, rel string) (string, bool) {
	if strings.Contains(rel, "\x00") {
		return "", false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean("/" + rel)
	full := filepath.Join(dir, filepath.FromSlash(clean))
	r, err := filepath.Rel(dir, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}
