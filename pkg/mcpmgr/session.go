package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrSessionClosed is returned by calls made after Close or after the server
// went away.
var ErrSessionClosed = errors.New("mcpmgr: session closed")

// Session is a live client connection to one MCP server. A Session spawned by
// a Launcher owns its child process; Close terminates and reaps it.
type Session struct {
	id           string
	closeTimeout time.Duration

	session *mcp.ClientSession
	info    *mcp.Implementation
	hasTool bool

	mu             sync.RWMutex
	tools          []*mcp.Tool
	onToolsChanged func()

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, closeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		closeTimeout: closeTimeout,
		done:         make(chan struct{}),
	}
}

func (s *Session) attach(cs *mcp.ClientSession) {
	s.session = cs
	s.info = &mcp.Implementation{}
	if init := cs.InitializeResult(); init != nil {
		if init.ServerInfo != nil {
			info := *init.ServerInfo
			s.info = &info
		}
		s.hasTool = init.Capabilities != nil && init.Capabilities.Tools != nil
	}
}

// ID returns the server identifier the session was created with.
func (s *Session) ID() string { return s.id }

// ServerInfo reports the implementation the server announced during the
// handshake. It is never nil, but its fields may be empty.
func (s *Session) ServerInfo() *mcp.Implementation {
	info := *s.info
	return &info
}

// Tools returns the catalog from the last successful listing.
func (s *Session) Tools() []*mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*mcp.Tool(nil), s.tools...)
}

// RefreshTools re-lists the server's tools and replaces the cached catalog.
// Servers that did not announce the tools capability have an empty catalog.
func (s *Session) RefreshTools(ctx context.Context) ([]*mcp.Tool, error) {
	if s.closed() {
		return nil, ErrSessionClosed
	}
	var tools []*mcp.Tool
	if s.hasTool {
		for tool, err := range s.session.Tools(ctx, nil) {
			if err != nil {
				return nil, err
			}
			if tool != nil {
				tools = append(tools, tool)
			}
		}
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	return append([]*mcp.Tool(nil), tools...), nil
}

// CallTool invokes a tool by its native name.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if s.closed() {
		return nil, ErrSessionClosed
	}
	params := &mcp.CallToolParams{Name: name}
	if args != nil {
		params.Arguments = args
	} else {
		params.Arguments = map[string]any{}
	}
	res, err := s.session.CallTool(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: call %s on %q: %w", name, s.id, err)
	}
	return res, nil
}

// OnToolsChanged registers fn to run when the server sends
// notifications/tools/list_changed. fn runs on its own goroutine.
func (s *Session) OnToolsChanged(fn func()) {
	s.mu.Lock()
	s.onToolsChanged = fn
	s.mu.Unlock()
}

func (s *Session) notifyToolsChanged() {
	s.mu.RLock()
	fn := s.onToolsChanged
	s.mu.RUnlock()
	if fn != nil {
		go fn()
	}
}

// Done is closed once the underlying connection has ended, whether through
// Close or because the server exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the connection ended. It is only meaningful after Done is
// closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.waitErr
	default:
		return nil
	}
}

// Close ends the session and releases the server process. It waits for the
// process to exit or for ctx (bounded by the launcher's close timeout) to
// expire, whichever comes first.
func (s *Session) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.closeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.closeTimeout)
		defer cancel()
	}
	done := make(chan struct{})
	go func() {
		s.closeOnce.Do(func() {
			s.closeErr = s.session.Close()
		})
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.closeErr
	}
}

func (s *Session) monitor() {
	s.waitErr = s.session.Wait()
	close(s.done)
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
