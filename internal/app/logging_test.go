package app

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nuetzliches/chanq/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewConfiguredLogger_FileSinkAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanq.log")
	logger, closer, err := newConfiguredLogger(config.LogConfig{Level: "error", Output: "file", Path: path}, "debug")
	if err != nil {
		t.Fatalf("newConfiguredLogger: %v", err)
	}
	logger.Debug("policy_applied", slog.String("channel", "a"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"policy_applied"`) {
		t.Fatalf("log file=%q, want debug record", data)
	}
}

func TestOpenLogSink_Errors(t *testing.T) {
	if _, _, err := openLogSink("file", ""); err == nil {
		t.Fatalf("expected error for file sink without path")
	}
	if _, _, err := openLogSink("syslog", ""); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
}

func TestWithAccessLog_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := withAccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	out := buf.String()
	for _, want := range []string{`"msg":"http_request"`, `"status":418`, `"bytes":5`, `"path":"/metrics"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("access log %q missing %s", out, want)
		}
	}
}
