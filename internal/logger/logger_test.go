package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestOutputWriter_NoFile(t *testing.T) {
	if w := OutputWriter(OutputConfig{}); w != nil {
		t.Fatalf("expected nil writer without a file")
	}
}

func TestOutputWriter_CreatesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "output.log")
	w := OutputWriter(OutputConfig{File: p})
	if w == nil {
		t.Fatal("expected writer")
	}
	_, _ = w.Write([]byte("npm run build\n"))
	_ = w.Close()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("output log not created: %v", err)
	}
	if string(b) != "npm run build\n" {
		t.Fatalf("unexpected content %q", b)
	}
}

func TestOutputWriter_Defaults(t *testing.T) {
	ol, ok := OutputWriter(OutputConfig{File: "x"}).(*lj.Logger)
	if !ok {
		t.Fatal("writer is not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 || ol.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
}

func TestOutputWriter_Overrides(t *testing.T) {
	ol := OutputWriter(OutputConfig{File: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}).(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, Config{Format: "json", Level: "warn"}))
	l.Info("hidden")
	l.Warn("Command exited", "code", 2)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "Command exited" || rec["code"] != float64(2) {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, Config{Color: true, Level: "debug"})).With("class", "build")
	l.Error("Command failed to start")
	out := buf.String()
	if !strings.Contains(out, "\033[31mERROR\033[0m") {
		t.Fatalf("missing colored level: %q", out)
	}
	if !strings.Contains(out, "class=build") {
		t.Fatalf("attrs lost on derived logger: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be hidden: %q", out)
	}
}
