package app

import (
	"bytes"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCmd_Default(t *testing.T) {
	restore := setVersionMetadataForTest("v1.2.3", "abc123", "2026-02-09T12:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if code := runVersionCmd(nil, stdout, stderr); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "v1.2.3" {
		t.Fatalf("expected version output %q, got %q", "v1.2.3", got)
	}
	if got := strings.TrimSpace(stderr.String()); got != "" {
		t.Fatalf("expected empty stderr, got %q", got)
	}
}

func TestVersionCmd_Long(t *testing.T) {
	restore := setVersionMetadataForTest("v1.2.3", "abc123", "2026-02-09T12:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	if code := runVersionCmd([]string{"--long"}, stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	want := "v1.2.3 (commit=abc123, build_date=2026-02-09T12:00:00Z, go=" + runtime.Version() + ")"
	if got := strings.TrimSpace(stdout.String()); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	restore := setVersionMetadataForTest("v1.2.3", "abc123", "2026-02-09T12:00:00Z")
	defer restore()

	stdout := &bytes.Buffer{}
	if code := runVersionCmd([]string{"--json"}, stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	var got versionPayload
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%q)", err, stdout.String())
	}
	if got.Version != "v1.2.3" || got.Commit != "abc123" || got.BuildDate != "2026-02-09T12:00:00Z" {
		t.Fatalf("payload=%+v", got)
	}
	if strings.Join(got.Backends, ",") != "memory,sqlite,postgres" {
		t.Fatalf("backends=%v", got.Backends)
	}
}

func TestVersionCmd_BadArgs(t *testing.T) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if code := runVersionCmd([]string{"positional"}, stdout, stderr); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if got := strings.TrimSpace(stdout.String()); got != "" {
		t.Fatalf("expected empty stdout, got %q", got)
	}
	if got := stderr.String(); !strings.Contains(got, "unexpected positional arguments") {
		t.Fatalf("expected positional argument error, got %q", got)
	}
}

func setVersionMetadataForTest(v, c, d string) func() {
	origVersion, origCommit, origBuildDate := version, commit, buildDate
	version, commit, buildDate = v, c, d
	return func() {
		version, commit, buildDate = origVersion, origCommit, origBuildDate
	}
}
