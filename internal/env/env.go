package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes the environment handed to install, build and task commands.
type Env struct {
	Var  Var // overrides applied on top of the base
	base Var
}

// New returns an Env. With useOS the current process environment is the base.
func New(useOS bool) *Env {
	e := &Env{Var: make(Var), base: make(Var)}
	if useOS {
		e.base = parsePairs(os.Environ())
	}
	return e
}

// Set sets K=V on top of the base.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// SetPairs applies "K=V" entries in order; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range parsePairs(pairs) {
		e.Set(k, v)
	}
}

// LoadFile applies a dotenv-style file: KEY=VALUE lines, '#' comments.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			e.Set(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
		}
	}
	return nil
}

// Merge returns the composed environment sorted by key: base, then overrides,
// then extra "K=V" entries. ${VAR} references are expanded once against the
// composed map.
func (e *Env) Merge(extra ...string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parsePairs(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Lookup returns the composed value of k without expansion.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

func parsePairs(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
