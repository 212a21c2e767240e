package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devloop/internal/config"
	"github.com/loykin/devloop/internal/reload"
)

const basicManifest = `{"name":"site","scripts":{"build":"echo build","lint":"echo lint"}}`

// project creates a project directory with the given files. node_modules is
// created unless files maps it to "".
func project(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if _, ok := files["node_modules"]; !ok {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))
	}
	for name, body := range files {
		if name == "node_modules" {
			continue
		}
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Project.Dir = dir
	cfg.Project.Domain = ""
	cfg.Install = config.CommandConfig{Command: "sh", Args: []string{"-c", "echo installed"}, Window: 100 * time.Millisecond}
	cfg.Build.Command = "sh"
	cfg.Build.Args = []string{"-c", "echo built"}
	cfg.Build.Window = 100 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second
	cfg.History.Enabled = false
	return cfg
}

// start runs an orchestrator until the test ends and serves its hub.
func start(t *testing.T, cfg *config.Config, opts ...Option) (*Orchestrator, *httptest.Server) {
	t.Helper()
	base := []Option{WithOutput(io.Discard), WithPollInterval(5 * time.Millisecond)}
	o, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	srv := httptest.NewServer(o.Hub())
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		srv.Close()
	})
	require.Eventually(t, func() bool {
		st, err := o.Status(ctx)
		return err == nil && len(st.Watching) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return o, srv
}

type wsClient struct {
	conn *websocket.Conn
	msgs chan reload.Message
}

// connect dials the hub and waits for the initial dist-route push.
func connect(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	c := connectRaw(t, srv)
	c.waitFor(t, reload.EventDistRoute, 2*time.Second)
	return c
}

func connectRaw(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{conn: conn, msgs: make(chan reload.Message, 256)}
	go func() {
		defer close(c.msgs)
		for {
			var m reload.Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(reload.Message{Event: event, Data: raw}))
}

// waitFor skips messages until event arrives.
func (c *wsClient) waitFor(t *testing.T, event string, timeout time.Duration) reload.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", event)
			}
			if m.Event == event {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// until collects every message up to and including the first event.
func (c *wsClient) until(t *testing.T, event string, timeout time.Duration) []reload.Message {
	t.Helper()
	var got []reload.Message
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", event)
			}
			got = append(got, m)
			if m.Event == event {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %v", event, events(got))
		}
	}
}

// drain collects whatever arrives within d.
func (c *wsClient) drain(d time.Duration) []reload.Message {
	var got []reload.Message
	deadline := time.After(d)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return got
			}
			got = append(got, m)
		case <-deadline:
			return got
		}
	}
}

func events(ms []reload.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Event)
	}
	return out
}

func count(ms []reload.Message, event string) int {
	n := 0
	for _, m := range ms {
		if m.Event == event {
			n++
		}
	}
	return n
}

func decodeString(t *testing.T, m reload.Message) string {
	t.Helper()
	var s string
	require.NoError(t, m.Decode(&s))
	return s
}
