package mcpmgr

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Helpers for preparing a child process: environment layering and stderr
// capture.

// MergeEnv layers overrides over base, a slice of "KEY=VALUE" pairs as
// returned by os.Environ. Keys from base keep their original order; new keys
// are appended sorted so the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return append([]string(nil), base...)
	}
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, fmt.Sprintf("%s=%s", key, v))
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return out
}

// stderrLogger forwards a child's stderr to the logger line by line.
type stderrLogger struct {
	logger   *slog.Logger
	serverID string

	mu  sync.Mutex
	buf []byte
}

func newStderrLogger(logger *slog.Logger, serverID string) *stderrLogger {
	return &stderrLogger{logger: logger, serverID: serverID}
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.logger.Debug("backend stderr", "server", w.serverID, "line", line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
