package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrCommandMissing is returned when a stdio config has no command.
var ErrCommandMissing = errors.New("mcpmgr: command missing")

// Launcher spawns stdio MCP servers and connects a client session to each.
// It keeps no state of its own; every Session it returns is owned by the
// caller.
type Launcher struct {
	options Options
}

// NewLauncher constructs a Launcher. Callers can provide nil options to fall
// back to defaults.
func NewLauncher(opts *Options) *Launcher {
	return &Launcher{options: opts.normalized()}
}

// Spawn starts cfg.Command, performs the MCP handshake over its stdio, and
// lists its tools. The child is terminated if any step fails.
func (l *Launcher) Spawn(ctx context.Context, cfg *StdioServerConfig) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mcpmgr: nil stdio config")
	}
	transport, err := l.buildStdioTransport(cfg)
	if err != nil {
		return nil, err
	}
	return l.Connect(ctx, cfg.ID, transport, cfg.Timeout)
}

// Connect establishes a session over an arbitrary transport. Spawn uses it
// with a CommandTransport; tests use it with in-memory transports.
func (l *Launcher) Connect(ctx context.Context, serverID string, transport mcp.Transport, timeout time.Duration) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = l.options.DefaultTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := newSession(serverID, l.options.CloseTimeout)
	client := mcp.NewClient(&mcp.Implementation{
		Name:    l.effectiveClientName(serverID),
		Version: l.options.ClientVersion,
	}, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			s.notifyToolsChanged()
		},
	})

	wrapped := transport
	if logger := l.resolveLogger(); logger != nil {
		wrapped = &loggingTransport{serverID: serverID, delegate: transport, logger: logger}
	}
	cs, err := client.Connect(connectCtx, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: connect %q: %w", serverID, err)
	}
	s.attach(cs)

	if _, err := s.RefreshTools(connectCtx); err != nil {
		_ = cs.Close()
		return nil, fmt.Errorf("mcpmgr: list tools %q: %w", serverID, err)
	}
	go s.monitor()

	l.options.Logger.Debug("mcp session established",
		"server", serverID,
		"server_name", s.ServerInfo().Name,
		"tools", len(s.Tools()))
	return s, nil
}

func (l *Launcher) buildStdioTransport(cfg *StdioServerConfig) (mcp.Transport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w for %q", ErrCommandMissing, cfg.ID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), cfg.Env)
	}
	cmd.Dir = cfg.Dir
	cmd.Stderr = newStderrLogger(l.options.Logger, cfg.ID)
	return &mcp.CommandTransport{Command: cmd, TerminateDuration: l.options.TerminateDuration}, nil
}

func (l *Launcher) effectiveClientName(serverID string) string {
	if l.options.ClientName != "" {
		return l.options.ClientName
	}
	if serverID != "" {
		return serverID
	}
	return "mcpmgr"
}

func (l *Launcher) resolveLogger() RPCLogger {
	if l.options.RPCLogger != nil {
		return l.options.RPCLogger
	}
	if l.options.LogJSONRPC {
		logger := l.options.Logger
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc",
				"server", event.ServerID,
				"direction", strings.ToUpper(string(event.Direction)),
				"message", string(event.Message))
		}
	}
	return nil
}
