package app

import (
	"net/http"
	"testing"
	"time"

	"github.com/nuetzliches/chanq/internal/config"
)

func TestTracingExporterOptions(t *testing.T) {
	if got := tracingExporterOptions(config.TracingConfig{}); len(got) != 0 {
		t.Fatalf("options=%d, want 0 for empty config", len(got))
	}
	got := tracingExporterOptions(config.TracingConfig{
		Enabled:  true,
		Endpoint: "http://127.0.0.1:4318",
		Insecure: true,
		Timeout:  config.Duration(3 * time.Second),
	})
	if len(got) != 3 {
		t.Fatalf("options=%d, want 3", len(got))
	}
}

func TestWrapTracingHandler_Disabled(t *testing.T) {
	var called bool
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	wrapped := wrapTracingHandler(false, "metrics", h)
	wrapped.ServeHTTP(nil, nil)
	if !called {
		t.Fatalf("handler not called")
	}
	if wrapTracingHandler(true, "metrics", h) == nil {
		t.Fatalf("enabled wrapper returned nil")
	}
}
