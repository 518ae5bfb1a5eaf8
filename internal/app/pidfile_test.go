package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClaimPIDFile_WritesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "chanq.pid")

	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid=%d, want %d", pid, os.Getpid())
	}

	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after release: %v", err)
	}
}

func TestClaimPIDFile_RejectsRunningProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanq.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := claimPIDFile(path); err == nil || !strings.Contains(err.Error(), "running process") {
		t.Fatalf("err=%v, want running process error", err)
	}
}

func TestClaimPIDFile_ReleaseKeepsForeignPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanq.pid")
	release, err := claimPIDFile(path)
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}
	if err := os.WriteFile(path, []byte("999999\n"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign pid file removed: %v", err)
	}
}

func TestClaimPIDFile_Empty(t *testing.T) {
	release, err := claimPIDFile("  ")
	if err != nil {
		t.Fatalf("claimPIDFile: %v", err)
	}
	release()
}

func TestReadPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanq.pid")
	for _, raw := range []string{"", "abc", "-4"} {
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := readPIDFile(path); err == nil {
			t.Fatalf("readPIDFile(%q): expected error", raw)
		}
	}
}
