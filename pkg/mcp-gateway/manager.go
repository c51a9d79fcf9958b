package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// BackendManager owns every BackendConnection and the namespaced tool index
// built from them.
//
// A single coarse lock guards all of that state. Every operation that touches
// it holds the lock for its full duration, including backend spawns and tool
// calls, so operations are serialized gateway-wide. Backends are connected one
// at a time.
type BackendManager struct {
	store   BackendStore
	client  ProcessClient
	opts    Options
	metrics *metrics

	// sem is the manager lock. A channel lets waiters give up when their
	// context ends.
	sem      chan struct{}
	backends []*BackendConnection
	index    *toolIndex

	toolCount atomic.Int64
}

// NewBackendManager builds a manager over the given persistence and process
// collaborators. Metrics are registered with opts.Registry when it is set;
// a registry must not be shared by two managers.
func NewBackendManager(store BackendStore, client ProcessClient, opts *Options) *BackendManager {
	options := opts.withDefaults()
	return &BackendManager{
		store:   store,
		client:  client,
		opts:    options,
		metrics: newMetrics(registererOf(options.Registry)),
		sem:     make(chan struct{}, 1),
		index:   newToolIndex(),
	}
}

func (m *BackendManager) lock(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *BackendManager) unlock() { <-m.sem }

// LoadAndConnect reads the enabled gateway members and brings each one up in
// turn, then rebuilds the tool index. It fails only when the membership read
// fails; a backend that cannot be connected is recorded as Failed. Any
// connections from an earlier load are released first.
func (m *BackendManager) LoadAndConnect(ctx context.Context) error {
	records, err := m.store.EnabledGatewayBackends(ctx)
	if err != nil {
		return &ConfigError{Op: "read enabled gateway backends", Err: err}
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	m.releaseAllLocked(ctx)
	m.backends = make([]*BackendConnection, 0, len(records))
	for _, rec := range records {
		if rec.Self {
			m.opts.Logger.Debug("skipping gateway self entry", "backend", rec.Name, "backend_id", rec.ID)
			continue
		}
		conn := newBackendConnection(rec)
		m.backends = append(m.backends, conn)
		_ = m.connectLocked(ctx, conn, Connecting)
	}
	m.buildToolIndexLocked()

	connected := 0
	for _, conn := range m.backends {
		if conn.live() {
			connected++
		}
	}
	m.opts.Logger.Info("gateway backends loaded",
		"backends", len(m.backends),
		"connected", connected,
		"tools", m.index.len())
	return nil
}

// ConnectStdioBackend spawns a stdio backend through the process client and
// returns the live session with the identity and catalog from its handshake.
func (m *BackendManager) ConnectStdioBackend(ctx context.Context, rec BackendRecord) (*mcpmgr.Session, ServerInfo, []*mcp.Tool, error) {
	t, ok := rec.Transport.(StdioTransport)
	if !ok {
		return nil, ServerInfo{}, nil, &UnsupportedTransportError{Kind: kindOf(rec.Transport)}
	}
	if m.client == nil {
		return nil, ServerInfo{}, nil, fmt.Errorf("mcpgateway: no process client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	cfg := t.config(rec.Name)
	cfg.Timeout = m.opts.ConnectTimeout
	session, err := m.client.Spawn(ctx, cfg)
	if err != nil {
		return nil, ServerInfo{}, nil, err
	}
	info := session.ServerInfo()
	return session, ServerInfo{Name: info.Name, Title: info.Title, Version: info.Version}, session.Tools(), nil
}

func (m *BackendManager) spawnStdio(ctx context.Context, rec BackendRecord) (*mcpmgr.Session, error) {
	session, _, _, err := m.ConnectStdioBackend(ctx, rec)
	return session, err
}

// connectLocked drives conn through transitional to Connected or Failed.
func (m *BackendManager) connectLocked(ctx context.Context, conn *BackendConnection, transitional BackendStatus) error {
	conn.status = transitional
	rec := conn.record
	if rec.Transport == nil {
		err := &UnsupportedTransportError{Kind: kindOf(nil)}
		conn.serverInfo = nil
		conn.fail(err.Error())
		return err
	}

	session, err := rec.Transport.dial(ctx, m, rec)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedTransport) {
			err = &BackendConnectError{Backend: rec.Name, Err: err}
		}
		conn.serverInfo = nil
		conn.fail(failureReason(err))
		m.opts.Logger.Warn("backend connect failed",
			"backend", rec.Name,
			"backend_id", rec.ID,
			"transport", rec.Transport.Kind(),
			"error", err)
		return err
	}

	conn.adopt(session)
	m.watchLocked(conn, session)
	m.opts.Logger.Info("backend connected",
		"backend", rec.Name,
		"backend_id", rec.ID,
		"server", conn.serverInfo.Name,
		"tools", len(conn.tools))
	return nil
}

// watchLocked follows a freshly adopted session: catalog changes trigger a
// refresh and an unexpected exit marks the backend failed or restarts it.
func (m *BackendManager) watchLocked(conn *BackendConnection, session *mcpmgr.Session) {
	id, gen := conn.record.ID, conn.generation
	session.OnToolsChanged(func() { m.refreshTools(id, gen) })
	go m.watchExit(id, gen, session)
}

func (m *BackendManager) watchExit(id int64, gen uint64, session *mcpmgr.Session) {
	<-session.Done()
	ctx := context.Background()
	if err := m.lock(ctx); err != nil {
		return
	}
	defer m.unlock()

	conn := m.findByIDLocked(id)
	if conn == nil || conn.generation != gen {
		return
	}
	conn.generation++
	conn.session = nil
	reason := "backend process exited"
	if err := session.Err(); err != nil {
		reason += ": " + err.Error()
	}
	conn.fail(reason)
	m.buildToolIndexLocked()
	m.opts.Logger.Warn("backend exited", "backend", conn.record.Name, "backend_id", id, "reason", reason)

	if !conn.record.AutoRestart {
		return
	}
	restartCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	info, err := m.restartLocked(restartCtx, id)
	if err != nil {
		m.logError("auto-restart backend", err, "backend", conn.record.Name, "backend_id", id)
		return
	}
	m.opts.Logger.Info("backend auto-restarted", "backend", info.Name, "status", info.Status, "restarts", info.RestartCount)
}

func (m *BackendManager) refreshTools(id int64, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	if err := m.lock(ctx); err != nil {
		return
	}
	defer m.unlock()

	conn := m.findByIDLocked(id)
	if conn == nil || conn.generation != gen || !conn.live() {
		return
	}
	tools, err := conn.session.RefreshTools(ctx)
	if err != nil {
		m.logError("refresh backend tools", err, "backend", conn.record.Name)
		return
	}
	conn.tools = tools
	m.buildToolIndexLocked()
	m.opts.Logger.Info("backend tools refreshed", "backend", conn.record.Name, "tools", len(tools))
}

// BuildToolIndex rebuilds the namespaced index from every connected backend.
func (m *BackendManager) BuildToolIndex(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	m.buildToolIndexLocked()
	return nil
}

func (m *BackendManager) buildToolIndexLocked() {
	m.index.rebuild(m.backends)
	if m.index.skipped > 0 {
		m.opts.Logger.Warn("namespaced tool names collide; later backends dropped", "dropped", m.index.skipped)
	}
	m.toolCount.Store(int64(m.index.len()))
	m.metrics.observeTopology(m.backends, m.index.len())
}

// GetTools returns the aggregated catalog. Each tool carries its namespaced
// name and a description prefixed with "[<backend name>]".
func (m *BackendManager) GetTools(ctx context.Context) ([]*mcp.Tool, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	return m.index.tools(), nil
}

// ToolCount returns the size of the tool index.
func (m *BackendManager) ToolCount(ctx context.Context) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock()
	return m.index.len(), nil
}

// CachedToolCount returns the index size as of the last rebuild without
// taking the manager lock.
func (m *BackendManager) CachedToolCount() int {
	return int(m.toolCount.Load())
}

// CallTool routes a call by namespaced name to the owning backend, which
// receives the original tool name.
func (m *BackendManager) CallTool(ctx context.Context, namespacedName string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	mapping, ok := m.index.lookup(namespacedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, namespacedName)
	}
	conn := m.findByIDLocked(mapping.BackendID)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, mapping.BackendName)
	}
	if !conn.live() {
		return nil, notConnected(conn)
	}
	return m.invokeLocked(ctx, conn, mapping.OriginalName, args)
}

// CallBackendTool routes a call addressed by backend name and native tool
// name.
func (m *BackendManager) CallBackendTool(ctx context.Context, backendName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	conn := m.findByNameLocked(backendName)
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendName)
	}
	if !conn.live() {
		return nil, notConnected(conn)
	}
	// Resolved against the backend's own catalog: a backend whose namespaced
	// names lost a collision in the index is still callable here.
	if !slices.ContainsFunc(conn.tools, func(t *mcp.Tool) bool { return t.Name == toolName }) {
		return nil, fmt.Errorf("%w: %s has no tool %q", ErrUnknownTool, backendName, toolName)
	}
	return m.invokeLocked(ctx, conn, toolName, args)
}

func (m *BackendManager) invokeLocked(ctx context.Context, conn *BackendConnection, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	start := time.Now()
	res, err := conn.session.CallTool(ctx, tool, args)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		m.metrics.observeCall(conn.record.Name, "error", elapsed)
		return nil, err
	case res.IsError:
		m.metrics.observeCall(conn.record.Name, "tool_error", elapsed)
	default:
		m.metrics.observeCall(conn.record.Name, "ok", elapsed)
	}
	return res, nil
}

// LoadBackendTools returns one backend's catalog with native names,
// connecting it first when it is not already connected. When a Failed backend
// fails again, the returned info carries the reason recorded before this
// attempt and err the new one.
func (m *BackendManager) LoadBackendTools(ctx context.Context, backendName string) (BackendInfo, []*mcp.Tool, error) {
	if err := m.lock(ctx); err != nil {
		return BackendInfo{}, nil, err
	}
	defer m.unlock()

	conn := m.findByNameLocked(backendName)
	if conn == nil {
		return BackendInfo{}, nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendName)
	}
	if !conn.live() {
		prior := conn.status
		if err := conn.release(ctx); err != nil {
			m.logError("release stale backend session", err, "backend", conn.record.Name)
		}
		err := m.connectLocked(ctx, conn, Connecting)
		m.buildToolIndexLocked()
		if err != nil {
			info := conn.info()
			if prior.State == StateFailed && prior.Reason != "" {
				info.Error = prior.Reason
			}
			return info, nil, err
		}
	}
	return conn.info(), cloneTools(conn.tools), nil
}

// GetBackendsInfo returns a projection of every loaded backend regardless of
// status.
func (m *BackendManager) GetBackendsInfo(ctx context.Context) ([]BackendInfo, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	return m.backendsInfoLocked(), nil
}

func (m *BackendManager) snapshot(ctx context.Context) ([]BackendInfo, int, error) {
	if err := m.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer m.unlock()
	return m.backendsInfoLocked(), m.index.len(), nil
}

func (m *BackendManager) backendsInfoLocked() []BackendInfo {
	out := make([]BackendInfo, 0, len(m.backends))
	for _, conn := range m.backends {
		out = append(out, conn.info())
	}
	return out
}

// Shutdown releases every backend process, leaves each backend Disconnected,
// and empties the tool index.
func (m *BackendManager) Shutdown(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	err := m.releaseAllLocked(ctx)
	m.index.clear()
	m.toolCount.Store(0)
	m.metrics.observeTopology(m.backends, 0)
	return err
}

func (m *BackendManager) releaseAllLocked(ctx context.Context) error {
	var errs []error
	for _, conn := range m.backends {
		if err := conn.release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", conn.record.Name, err))
		}
		conn.status = Disconnected
		conn.tools = nil
	}
	return errors.Join(errs...)
}

// RestartBackend re-reads the member record, releases the old connection,
// connects again, and rebuilds the index. The restart counter grows only
// when the backend comes back connected.
func (m *BackendManager) RestartBackend(ctx context.Context, id int64) (BackendInfo, error) {
	if err := m.lock(ctx); err != nil {
		return BackendInfo{}, err
	}
	defer m.unlock()
	return m.restartLocked(ctx, id)
}

func (m *BackendManager) restartLocked(ctx context.Context, id int64) (BackendInfo, error) {
	records, err := m.store.GatewayBackends(ctx)
	if err != nil {
		return BackendInfo{}, &ConfigError{Op: "read gateway backends", Err: err}
	}
	var rec *BackendRecord
	for i := range records {
		if records[i].ID == id && !records[i].Self {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		return BackendInfo{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	conn := m.findByIDLocked(id)
	if conn == nil {
		conn = newBackendConnection(*rec)
		m.backends = append(m.backends, conn)
	} else {
		conn.record = *rec
	}
	conn.status = Restarting
	if err := conn.release(ctx); err != nil {
		m.logError("release backend before restart", err, "backend", rec.Name)
	}
	conn.tools = nil
	if err := m.connectLocked(ctx, conn, Restarting); err == nil {
		conn.restartCount++
		m.metrics.observeRestart(rec.Name)
	}
	m.buildToolIndexLocked()
	return conn.info(), nil
}

func (m *BackendManager) findByIDLocked(id int64) *BackendConnection {
	for _, conn := range m.backends {
		if conn.record.ID == id {
			return conn
		}
	}
	return nil
}

func (m *BackendManager) findByNameLocked(name string) *BackendConnection {
	for _, conn := range m.backends {
		if conn.record.Name == name {
			return conn
		}
	}
	return nil
}

func (m *BackendManager) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	m.opts.Logger.Error(msg, attrs...)
}

func notConnected(conn *BackendConnection) error {
	return fmt.Errorf("%w: %s is %s", ErrNotConnected, conn.record.Name, conn.status)
}

func failureReason(err error) string {
	var connectErr *BackendConnectError
	if errors.As(err, &connectErr) {
		return connectErr.Reason()
	}
	return err.Error()
}

func kindOf(t Transport) TransportKind {
	if t == nil {
		return "unknown"
	}
	return t.Kind()
}
