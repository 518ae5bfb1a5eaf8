package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePlaceholders(t *testing.T) {
	t.Setenv("CHANQ_A", "alpha")
	file := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(file, []byte("s3cr3t\r\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		in        string
		want      string
		wantErrs  int
		wantWarns int
	}{
		{in: "plain", want: "plain"},
		{in: "{$CHANQ_A}", want: "alpha"},
		{in: "x-{$CHANQ_A}-y", want: "x-alpha-y"},
		{in: "{$CHANQ_MISSING:fallback}", want: "fallback"},
		{in: "{$CHANQ_A:fallback}", want: "alpha"},
		{in: "{$CHANQ_MISSING}", want: "", wantWarns: 1},
		{in: "{env.CHANQ_A}", want: "alpha"},
		{in: "{env.CHANQ_MISSING}", want: "", wantWarns: 1},
		{in: "{env.}", want: "", wantErrs: 1},
		{in: "{file." + filepath.ToSlash(file) + "}", want: "s3cr3t"},
		{in: "{file.}", want: "", wantErrs: 1},
		{in: "{file./does/not/exist}", want: "", wantErrs: 1},
		{in: "{$CHANQ_A", want: "{$CHANQ_A", wantErrs: 1},
		{in: "{literal}", want: "{literal}"},
	}

	for _, tc := range cases {
		got, errs, warns := resolvePlaceholders(tc.in)
		if got != tc.want {
			t.Fatalf("%q: got %q, want %q", tc.in, got, tc.want)
		}
		if len(errs) != tc.wantErrs {
			t.Fatalf("%q: errs=%v, want %d", tc.in, errs, tc.wantErrs)
		}
		if len(warns) != tc.wantWarns {
			t.Fatalf("%q: warns=%v, want %d", tc.in, warns, tc.wantWarns)
		}
	}
}
