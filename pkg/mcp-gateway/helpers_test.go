package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore is an in-memory BackendStore that also accepts self-registration.
type memStore struct {
	mu      sync.Mutex
	records []BackendRecord
	err     error
	self    map[string]string
}

func newMemStore(records ...BackendRecord) *memStore {
	return &memStore{records: records, self: make(map[string]string)}
}

func (s *memStore) EnabledGatewayBackends(context.Context) ([]BackendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []BackendRecord
	for _, rec := range s.records {
		if rec.Enabled {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) GatewayBackends(context.Context) ([]BackendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.records), nil
}

func (s *memStore) RegisterGatewaySelf(_ context.Context, name, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self[name] = url
	return nil
}

func (s *memStore) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = slices.DeleteFunc(s.records, func(rec BackendRecord) bool { return rec.ID == id })
}

func (s *memStore) selfURL(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self[name]
}

// fakeProcesses stands in for the process launcher: each "command" names an
// in-memory MCP server factory, and every spawn gets a fresh server.
type fakeProcesses struct {
	launcher *mcpmgr.Launcher

	mu        sync.Mutex
	factories map[string]func() *mcp.Server
	failures  map[string]error
	spawns    map[string]int
	live      map[string]*mcp.ServerSession
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{
		launcher:  mcpmgr.NewLauncher(&mcpmgr.Options{ClientName: "gateway-tests", Logger: discardLogger}),
		factories: make(map[string]func() *mcp.Server),
		failures:  make(map[string]error),
		spawns:    make(map[string]int),
		live:      make(map[string]*mcp.ServerSession),
	}
}

func (p *fakeProcesses) register(command string, factory func() *mcp.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[command] = factory
	delete(p.failures, command)
}

func (p *fakeProcesses) failWith(command string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[command] = err
}

func (p *fakeProcesses) spawnCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawns[id]
}

// kill ends the server side of a backend, as if its process had exited.
func (p *fakeProcesses) kill(id string) {
	p.mu.Lock()
	ss := p.live[id]
	delete(p.live, id)
	p.mu.Unlock()
	if ss != nil {
		_ = ss.Close()
	}
}

func (p *fakeProcesses) Spawn(ctx context.Context, cfg *mcpmgr.StdioServerConfig) (*mcpmgr.Session, error) {
	p.mu.Lock()
	p.spawns[cfg.ID]++
	factory := p.factories[cfg.Command]
	failure := p.failures[cfg.Command]
	p.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if factory == nil {
		return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", cfg.Command)
	}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := factory().Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, err
	}
	session, err := p.launcher.Connect(ctx, cfg.ID, clientTransport, cfg.Timeout)
	if err != nil {
		_ = ss.Close()
		return nil, err
	}
	p.mu.Lock()
	p.live[cfg.ID] = ss
	p.mu.Unlock()
	return session, nil
}

// toolServer builds a backend whose tools answer with "<server>:<tool>".
// A tool named "boom" always fails inside the backend.
func toolServer(name string, tools ...string) func() *mcp.Server {
	return func() *mcp.Server {
		server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.2.3"}, nil)
		for _, tool := range tools {
			reply := name + ":" + tool
			if tool == "boom" {
				mcp.AddTool(server, &mcp.Tool{Name: tool, Description: "always fails"}, func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error) {
					return nil, nil, errors.New("backend exploded")
				})
				continue
			}
			mcp.AddTool(server, &mcp.Tool{Name: tool, Description: "replies " + reply}, func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error) {
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: reply}}}, nil, nil
			})
		}
		return server
	}
}

func addTool(server *mcp.Server, name string) {
	mcp.AddTool(server, &mcp.Tool{Name: name}, func(context.Context, *mcp.CallToolRequest, map[string]any) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name}}}, nil, nil
	})
}

func stdioRecord(id int64, name, command string) BackendRecord {
	return BackendRecord{
		ID:        id,
		Name:      name,
		Transport: StdioTransport{Command: command},
		Enabled:   true,
	}
}

func testOptions() *Options {
	return &Options{Logger: discardLogger, ConnectTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second}
}

func newTestManager(t *testing.T, store BackendStore, procs *fakeProcesses) *BackendManager {
	t.Helper()
	m := NewBackendManager(store, procs, testOptions())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func backendByName(t *testing.T, m *BackendManager, name string) BackendInfo {
	t.Helper()
	infos, err := m.GetBackendsInfo(context.Background())
	if err != nil {
		t.Fatalf("GetBackendsInfo: %v", err)
	}
	for _, info := range infos {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("backend %q not listed in %+v", name, infos)
	return BackendInfo{}
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	return names
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty result: %+v", res)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}
