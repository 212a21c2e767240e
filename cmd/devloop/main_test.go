package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devloop"
	"github.com/loykin/devloop/pkg/client"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpMentionsDevloop(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"serve", "status", "run", "version"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("help lacks %q: %s", sub, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "devloop "+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func daemon(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var tasks []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			_ = json.NewEncoder(w).Encode(client.Status{Running: 0, Build: "idle", Scripts: []string{"lint"}})
		case "/api/run":
			var req client.RunRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			tasks = append(tasks, req.Task)
			if req.Task == "busy" {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(client.ErrorResponse{Error: "Refusing to run \"npm run busy\" while other commands are running..."})
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &tasks
}

func TestStatusAndRunAgainstDaemon(t *testing.T) {
	srv, tasks := daemon(t)
	api := srv.URL + "/api"

	out, err := execute(t, "status", "--api-url", api)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var st client.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output is not JSON: %v: %s", err, out)
	}
	if st.Build != "idle" || len(st.Scripts) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	out, err = execute(t, "run", "lint", "--api-url", api)
	if err != nil || !strings.Contains(out, "started lint") {
		t.Fatalf("run failed: %v %s", err, out)
	}

	_, err = execute(t, "run", "busy", "--api-url", api)
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("expected refusal, got %v", err)
	}
	if len(*tasks) != 2 {
		t.Fatalf("daemon saw %v", *tasks)
	}
}

func TestRunRequiresTask(t *testing.T) {
	if _, err := execute(t, "run"); err == nil {
		t.Fatal("run without task should fail")
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	cfg, err := devloop.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Port = 4000
	if got := apiURL(cfg); got != "http://localhost:4000/api" {
		t.Fatalf("apiURL = %q", got)
	}
	cfg.Server.Host = "10.0.0.2"
	if got := apiURL(cfg); got != "http://10.0.0.2:4000/api" {
		t.Fatalf("apiURL = %q", got)
	}
	cfg.Server.TLS.Enabled = true
	if got := apiURL(cfg); got != "https://10.0.0.2:4000/api" {
		t.Fatalf("apiURL = %q", got)
	}
}

func TestApplyServeFlags(t *testing.T) {
	cfg, err := devloop.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	applyServeFlags(cfg, ServeFlags{Dir: "site", Port: 8080, LogLevel: "debug"})
	if cfg.Project.Dir != "site" || cfg.Server.Port != 8080 || cfg.Log.Level != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestGinModeFollowsLogLevel(t *testing.T) {
	for level, want := range map[string]string{
		"":      gin.ReleaseMode,
		"info":  gin.ReleaseMode,
		"warn":  gin.ReleaseMode,
		"debug": gin.DebugMode,
		"DEBUG": gin.DebugMode,
	} {
		if got := ginMode(level); got != want {
			t.Fatalf("ginMode(%q) = %q, want %q", level, got, want)
		}
	}
}
