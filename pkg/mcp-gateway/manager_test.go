package mcpgateway

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoadAndConnectAggregatesSameToolFromTwoBackends(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	procs.register("beta-cmd", toolServer("beta", "ping"))
	store := newMemStore(stdioRecord(1, "alpha", "alpha-cmd"), stdioRecord(2, "beta", "beta-cmd"))
	m := newTestManager(t, store, procs)
	ctx := testContext(t)

	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}
	tools, err := m.GetTools(ctx)
	if err != nil {
		t.Fatalf("GetTools: %v", err)
	}
	if got := toolNames(tools); !slices.Equal(got, []string{"alpha__ping", "beta__ping"}) {
		t.Fatalf("GetTools names = %v", got)
	}
	for _, tool := range tools {
		backend, _, _ := strings.Cut(tool.Name, "__")
		if !strings.HasPrefix(tool.Description, "["+backend+"] ") {
			t.Fatalf("description %q not prefixed with backend", tool.Description)
		}
	}
	if n, _ := m.ToolCount(ctx); n != 2 || m.CachedToolCount() != 2 {
		t.Fatalf("ToolCount = %d, cached = %d", n, m.CachedToolCount())
	}

	res, err := m.CallTool(ctx, "beta__ping", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := resultText(t, res); got != "beta:ping" {
		t.Fatalf("beta__ping answered %q", got)
	}
}

func TestLoadAndConnectRecordsFailuresWithoutAborting(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	procs.failWith("broken-cmd", errors.New("handshake timed out"))
	store := newMemStore(
		stdioRecord(1, "alpha", "alpha-cmd"),
		stdioRecord(2, "broken", "broken-cmd"),
		BackendRecord{ID: 3, Name: "remote", Transport: HTTPTransport{URL: "https://example.com/mcp"}, Enabled: true},
		BackendRecord{ID: 4, Name: "legacy", Transport: SSETransport{URL: "https://example.com/sse"}, Enabled: true},
		BackendRecord{ID: 5, Name: "disabled", Transport: StdioTransport{Command: "alpha-cmd"}},
		BackendRecord{ID: 6, Name: "mcp-gateway", Transport: SSETransport{URL: "http://127.0.0.1:1/mcp"}, Enabled: true, Self: true},
	)
	m := newTestManager(t, store, procs)
	ctx := testContext(t)

	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}
	infos, _ := m.GetBackendsInfo(ctx)
	if len(infos) != 4 {
		t.Fatalf("expected 4 backends (disabled and self skipped), got %+v", infos)
	}

	alpha := backendByName(t, m, "alpha")
	if alpha.Status != StateConnected || alpha.ToolCount != 1 || alpha.ServerInfo == nil || alpha.ServerInfo.Name != "alpha" || alpha.ServerInfo.Version != "1.2.3" {
		t.Fatalf("alpha = %+v", alpha)
	}
	broken := backendByName(t, m, "broken")
	if broken.Status != StateFailed || !strings.Contains(broken.Error, "handshake timed out") || broken.ToolCount != 0 {
		t.Fatalf("broken = %+v", broken)
	}
	remote := backendByName(t, m, "remote")
	if remote.Status != StateFailed || remote.Type != TransportHTTP || !strings.Contains(remote.Error, "http transport is not supported") {
		t.Fatalf("remote = %+v", remote)
	}
	legacy := backendByName(t, m, "legacy")
	if legacy.Status != StateFailed || !strings.Contains(legacy.Error, "sse transport is not supported") {
		t.Fatalf("legacy = %+v", legacy)
	}
	if procs.spawnCount("remote") != 0 || procs.spawnCount("mcp-gateway") != 0 {
		t.Fatalf("non-stdio and self entries must never be spawned")
	}
	if n, _ := m.ToolCount(ctx); n != 1 {
		t.Fatalf("only connected backends contribute tools, got %d", n)
	}
}

func TestLoadAndConnectFailsWhenMembershipReadFails(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.err = errors.New("database is locked")
	m := newTestManager(t, store, newFakeProcesses())

	err := m.LoadAndConnect(testContext(t))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("LoadAndConnect error = %v, want ConfigError", err)
	}
}

func TestConnectStdioBackendReturnsHandshakeResults(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping", "read"))
	m := newTestManager(t, newMemStore(), procs)

	session, info, tools, err := m.ConnectStdioBackend(testContext(t), stdioRecord(1, "alpha", "alpha-cmd"))
	if err != nil {
		t.Fatalf("ConnectStdioBackend: %v", err)
	}
	defer session.Close(context.Background())
	if info.Name != "alpha" || len(tools) != 2 {
		t.Fatalf("info=%+v tools=%d", info, len(tools))
	}

	_, _, _, err = m.ConnectStdioBackend(testContext(t), BackendRecord{ID: 2, Name: "web", Transport: HTTPTransport{URL: "http://x"}})
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("http record error = %v", err)
	}
}

func TestCallRoutingErrors(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	procs.failWith("beta-cmd", errors.New("spawn failed"))
	store := newMemStore(stdioRecord(1, "alpha", "alpha-cmd"), stdioRecord(2, "beta", "beta-cmd"))
	m := newTestManager(t, store, procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	if _, err := m.CallTool(ctx, "alpha__nope", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("unknown namespaced tool error = %v", err)
	}
	if _, err := m.CallTool(ctx, "beta__ping", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("failed backend has no index entries, got %v", err)
	}
	if _, err := m.CallBackendTool(ctx, "gamma", "ping", nil); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("unknown backend error = %v", err)
	}
	if _, err := m.CallBackendTool(ctx, "alpha", "nope", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("unknown backend tool error = %v", err)
	}
	_, err := m.CallBackendTool(ctx, "beta", "ping", nil)
	if !errors.Is(err, ErrNotConnected) || !strings.Contains(err.Error(), "spawn failed") {
		t.Fatalf("failed backend call error = %v", err)
	}
	res, err := m.CallBackendTool(ctx, "alpha", "ping", map[string]any{})
	if err != nil || resultText(t, res) != "alpha:ping" {
		t.Fatalf("alpha ping = %+v, %v", res, err)
	}
}

func TestBackendToolErrorIsNotAGatewayFault(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "boom"))
	reg := prometheus.NewRegistry()
	opts := testOptions()
	opts.Registry = reg
	m := NewBackendManager(newMemStore(stdioRecord(1, "alpha", "alpha-cmd")), procs, opts)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	res, err := m.CallTool(ctx, "alpha__boom", nil)
	if err != nil {
		t.Fatalf("CallTool returned a gateway error: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "backend exploded") {
		t.Fatalf("expected backend error result, got %+v", res)
	}
	if got := testutil.ToFloat64(m.metrics.toolCalls.WithLabelValues("alpha", "tool_error")); got != 1 {
		t.Fatalf("tool_error calls = %v", got)
	}
	if got := testutil.ToFloat64(m.metrics.backends.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.metrics.tools); got != 1 {
		t.Fatalf("tools gauge = %v", got)
	}
}

func TestRestartBackend(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping", "legacy"))
	procs.register("beta-cmd", toolServer("beta", "ping"))
	store := newMemStore(stdioRecord(1, "alpha", "alpha-cmd"), stdioRecord(2, "beta", "beta-cmd"))
	m := newTestManager(t, store, procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	if _, err := m.RestartBackend(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("restart of unknown id = %v, want ErrNotFound", err)
	}

	// The new process no longer reports "legacy".
	procs.register("alpha-cmd", toolServer("alpha", "ping", "fresh"))
	info, err := m.RestartBackend(ctx, 1)
	if err != nil {
		t.Fatalf("RestartBackend: %v", err)
	}
	if info.Status != StateConnected || info.RestartCount != 1 {
		t.Fatalf("after restart = %+v", info)
	}
	if procs.spawnCount("alpha") != 2 {
		t.Fatalf("alpha spawned %d times", procs.spawnCount("alpha"))
	}
	tools, _ := m.GetTools(ctx)
	if got := toolNames(tools); !slices.Equal(got, []string{"alpha__fresh", "alpha__ping", "beta__ping"}) {
		t.Fatalf("index after restart = %v", got)
	}
	if backendByName(t, m, "beta").RestartCount != 0 {
		t.Fatalf("restart must not touch other backends")
	}

	// A failed reconnect keeps the counter.
	procs.failWith("alpha-cmd", errors.New("gone"))
	info, err = m.RestartBackend(ctx, 1)
	if err != nil {
		t.Fatalf("RestartBackend (failing): %v", err)
	}
	if info.Status != StateFailed || info.RestartCount != 1 || !strings.Contains(info.Error, "gone") {
		t.Fatalf("after failed restart = %+v", info)
	}
	if n, _ := m.ToolCount(ctx); n != 1 {
		t.Fatalf("failed backend tools should leave the index, count = %d", n)
	}

	store.remove(2)
	if _, err := m.RestartBackend(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("restart of removed member = %v", err)
	}
}

func TestRestartBackendConnectsMemberNotLoadedAtStartup(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	rec := stdioRecord(1, "alpha", "alpha-cmd")
	rec.Enabled = false
	m := newTestManager(t, newMemStore(rec), procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}
	info, err := m.RestartBackend(ctx, 1)
	if err != nil || info.Status != StateConnected {
		t.Fatalf("RestartBackend = %+v, %v", info, err)
	}
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	procs.failWith("beta-cmd", errors.New("nope"))
	store := newMemStore(stdioRecord(1, "alpha", "alpha-cmd"), stdioRecord(2, "beta", "beta-cmd"))
	m := newTestManager(t, store, procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	infos, _ := m.GetBackendsInfo(ctx)
	for _, info := range infos {
		if info.Status != StateDisconnected || info.ToolCount != 0 {
			t.Fatalf("after shutdown %s = %+v", info.Name, info)
		}
	}
	if n, _ := m.ToolCount(ctx); n != 0 || m.CachedToolCount() != 0 {
		t.Fatalf("index not empty after shutdown")
	}
	if _, err := m.CallBackendTool(ctx, "alpha", "ping", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("call after shutdown = %v", err)
	}
}

func TestBackendExitMarksFailed(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	m := newTestManager(t, newMemStore(stdioRecord(1, "alpha", "alpha-cmd")), procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	procs.kill("alpha")
	waitFor(t, "alpha to fail", func() bool {
		return backendByName(t, m, "alpha").Status == StateFailed
	})
	info := backendByName(t, m, "alpha")
	if !strings.Contains(info.Error, "backend process exited") {
		t.Fatalf("exit reason = %q", info.Error)
	}
	if n, _ := m.ToolCount(ctx); n != 0 {
		t.Fatalf("exited backend still has %d tools indexed", n)
	}
	if procs.spawnCount("alpha") != 1 {
		t.Fatalf("backend without auto-restart was respawned")
	}
}

func TestBackendExitAutoRestarts(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	rec := stdioRecord(1, "alpha", "alpha-cmd")
	rec.AutoRestart = true
	m := newTestManager(t, newMemStore(rec), procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	procs.kill("alpha")
	waitFor(t, "alpha to be restarted", func() bool {
		info := backendByName(t, m, "alpha")
		return info.Status == StateConnected && info.RestartCount == 1
	})
	res, err := m.CallTool(ctx, "alpha__ping", nil)
	if err != nil || resultText(t, res) != "alpha:ping" {
		t.Fatalf("call after auto-restart = %+v, %v", res, err)
	}
}

func TestShutdownDoesNotTriggerAutoRestart(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	procs.register("alpha-cmd", toolServer("alpha", "ping"))
	rec := stdioRecord(1, "alpha", "alpha-cmd")
	rec.AutoRestart = true
	m := newTestManager(t, newMemStore(rec), procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Give a stray watcher time to act.
	time.Sleep(200 * time.Millisecond)
	if info := backendByName(t, m, "alpha"); info.Status != StateDisconnected || procs.spawnCount("alpha") != 1 {
		t.Fatalf("after shutdown = %+v, spawns = %d", info, procs.spawnCount("alpha"))
	}
}

func TestToolListChangeRefreshesIndex(t *testing.T) {
	t.Parallel()

	procs := newFakeProcesses()
	server := toolServer("alpha", "ping")()
	procs.register("alpha-cmd", func() *mcp.Server { return server })
	m := newTestManager(t, newMemStore(stdioRecord(1, "alpha", "alpha-cmd")), procs)
	ctx := testContext(t)
	if err := m.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect: %v", err)
	}

	addTool(server, "late")
	waitFor(t, "index refresh", func() bool { return m.CachedToolCount() == 2 })
	if _, err := m.CallTool(ctx, "alpha__late", nil); err != nil {
		t.Fatalf("call of newly announced tool: %v", err)
	}
}
