package mcpmgr

import (
	"log/slog"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// StdioServerConfig describes an MCP server launched as a child process and
// driven over its stdin/stdout.
type StdioServerConfig struct {
	// ID labels the server in logs and in the client name sent during
	// initialization.
	ID      string
	Command string
	Args    []string
	// Env is layered over the parent environment. Keys present in both take
	// the value from Env.
	Env map[string]string
	Dir string
	// Timeout bounds spawn, handshake, and the initial tool listing. Zero
	// falls back to Options.DefaultTimeout.
	Timeout time.Duration
}

// Options configures a Launcher.
type Options struct {
	// ClientName overrides the client name advertised during initialization.
	// When empty, the server ID is used.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// DefaultTimeout applies whenever a server configuration omits one.
	DefaultTimeout time.Duration
	// TerminateDuration is how long Close waits for a child to exit after its
	// stdin is closed before it is signalled.
	TerminateDuration time.Duration
	// CloseTimeout bounds Session.Close when the caller's context has no
	// deadline.
	CloseTimeout time.Duration
	// LogJSONRPC prints every JSON-RPC message through Logger at debug level
	// unless RPCLogger is set.
	LogJSONRPC bool
	RPCLogger  RPCLogger
	// Logger receives lifecycle diagnostics and child stderr output.
	Logger *slog.Logger
}

func (o *Options) normalized() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
