package mcpmgr

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func TestMergeEnvOverridesAndAppends(t *testing.T) {
	t.Parallel()

	base := []string{"PATH=/usr/bin", "HOME=/home/me", "EMPTY="}
	got := MergeEnv(base, map[string]string{
		"HOME":  "/tmp/backend",
		"ZED":   "last",
		"ALPHA": "first",
	})
	want := []string{"PATH=/usr/bin", "HOME=/tmp/backend", "EMPTY=", "ALPHA=first", "ZED=last"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MergeEnv() = %v, want %v", got, want)
	}
}

func TestMergeEnvDropsDuplicateBaseKeys(t *testing.T) {
	t.Parallel()

	got := MergeEnv([]string{"A=1", "A=2"}, map[string]string{"A": "3"})
	if !reflect.DeepEqual(got, []string{"A=3"}) {
		t.Fatalf("MergeEnv() = %v", got)
	}
}

func TestMergeEnvWithoutOverridesCopies(t *testing.T) {
	t.Parallel()

	base := []string{"A=1"}
	got := MergeEnv(base, nil)
	got[0] = "A=changed"
	if base[0] != "A=1" {
		t.Fatalf("MergeEnv mutated its input: %v", base)
	}
}

func TestStderrLoggerSplitsLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newStderrLogger(logger, "alpha")

	for _, chunk := range []string{"first li", "ne\nsecond line\n", "\n", "partial"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write(%q): %v", chunk, err)
		}
	}

	out := buf.String()
	if strings.Count(out, "backend stderr") != 2 {
		t.Fatalf("expected two log records, got:\n%s", out)
	}
	if !strings.Contains(out, `line="first line"`) || !strings.Contains(out, `line="second line"`) {
		t.Fatalf("log output missing lines:\n%s", out)
	}
	if strings.Contains(out, "partial") {
		t.Fatalf("incomplete line should stay buffered:\n%s", out)
	}
}
