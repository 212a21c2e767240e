package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestStore_CachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{"name":"one","scripts":{"build":"vite build"}}`)
	s := NewStore(p)

	m, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, "one", m["name"])

	writeManifest(t, dir, `{"name":"two"}`)
	m, err = s.Current()
	require.NoError(t, err)
	assert.Equal(t, "one", m["name"], "cached value until Invalidate")

	s.Invalidate()
	m, err = s.Current()
	require.NoError(t, err)
	assert.Equal(t, "two", m["name"])
}

func TestStore_MissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), FileName))
	m, err := s.Current()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestStore_ErrorIsNotCached(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{broken`)
	s := NewStore(p)
	_, err := s.Current()
	require.Error(t, err)

	writeManifest(t, dir, `{"name":"fixed"}`)
	m, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, "fixed", m["name"])
}

func TestManifest_Scripts(t *testing.T) {
	m := Manifest{"scripts": map[string]any{"build": "tsc", "test": "jest", "bad": 3}}
	assert.True(t, m.HasScript("build"))
	assert.False(t, m.HasScript("bad"))
	assert.False(t, m.HasScript("deploy"))
	assert.Equal(t, []string{"build", "test"}, m.ScriptNames())
	assert.Empty(t, Manifest{}.Scripts())
}

func TestManifest_Section(t *testing.T) {
	dir := t.TempDir()
	p := writeManifest(t, dir, `{
		"devloop": {
			"install": ["yarn.lock"],
			"build": ["src"],
			"distDirectory": "build",
			"distRoute": "/app",
			"distIndex": "main.html"
		}
	}`)
	m, err := NewStore(p).Current()
	require.NoError(t, err)

	s, err := m.Section("devloop")
	require.NoError(t, err)
	assert.Equal(t, Settings{
		Install:       []string{"yarn.lock"},
		Build:         []string{"src"},
		DistDirectory: "build",
		DistRoute:     "/app",
		DistIndex:     "main.html",
	}, s)

	empty, err := m.Section("other")
	require.NoError(t, err)
	assert.Equal(t, Settings{}, empty)

	_, err = Manifest{"devloop": "not-an-object"}.Section("devloop")
	assert.Error(t, err)
}
