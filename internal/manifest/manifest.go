package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// FileName is the manifest file inside the project directory.
const FileName = "package.json"

// Manifest is the parsed manifest document, kept as raw JSON values so it can
// be pushed to clients unchanged.
type Manifest map[string]any

// Scripts returns the "scripts" table. Non-string entries are skipped.
func (m Manifest) Scripts() map[string]string {
	raw, ok := m["scripts"].(map[string]any)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// ScriptNames returns the script names sorted.
func (m Manifest) ScriptNames() []string {
	scripts := m.Scripts()
	names := make([]string, 0, len(scripts))
	for k := range scripts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// HasScript reports whether name is declared under "scripts".
func (m Manifest) HasScript(name string) bool {
	_, ok := m.Scripts()[name]
	return ok
}

// Settings is the tool section a project may add to its manifest, e.g.
//
//	"devloop": {"install": ["yarn.lock"], "distDirectory": "build", "distRoute": "/"}
type Settings struct {
	Install       []string `json:"install"`
	Build         []string `json:"build"`
	DistDirectory string   `json:"distDirectory"`
	DistRoute     string   `json:"distRoute"`
	DistIndex     string   `json:"distIndex"`
}

// Section decodes the object stored under key. A missing key yields zero Settings.
func (m Manifest) Section(key string) (Settings, error) {
	var s Settings
	raw, ok := m[key]
	if !ok || raw == nil {
		return s, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("manifest section %q: %w", key, err)
	}
	return s, nil
}

// Store reads the manifest lazily and caches it until Invalidate.
type Store struct {
	path string

	mu     sync.RWMutex
	cached Manifest
}

// NewStore creates a Store for the manifest at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the manifest location.
func (s *Store) Path() string { return s.path }

// Current returns the cached manifest, parsing the file on first use after an
// invalidation. Errors are not cached.
func (s *Store) Current() (Manifest, error) {
	s.mu.RLock()
	m := s.cached
	s.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	parsed := Manifest{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", s.path, err)
	}
	s.cached = parsed
	return parsed, nil
}

// Invalidate drops the cache so the next Current re-reads the file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
