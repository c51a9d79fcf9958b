package mcpgateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPort is the well-known gateway port used when none is configured.
const DefaultPort uint16 = 23373

// DefaultHost is the only interface the gateway listens on.
const DefaultHost = "127.0.0.1"

// Options configure the gateway components.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Host is the listen host. Defaults to DefaultHost; the gateway is
	// loopback-only.
	Host string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ConnectTimeout bounds spawn, handshake, and tool listing of one backend.
	ConnectTimeout time.Duration
	// ShutdownTimeout bounds graceful HTTP shutdown and backend release.
	ShutdownTimeout time.Duration
	// Registry receives gateway metrics and is served on /metrics. The server
	// state creates a private registry when nil.
	Registry *prometheus.Registry
	// SelfName is the name under which the gateway registers itself with a
	// SelfRegistrar store. Defaults to "mcp-gateway".
	SelfName string
	// ConnectionLabel keys the entry produced by GetConnectionConfig.
	// Defaults to "mcp-gateway".
	ConnectionLabel string
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-gateway",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	} else if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.SelfName == "" {
		opts.SelfName = "mcp-gateway"
	}
	if opts.ConnectionLabel == "" {
		opts.ConnectionLabel = "mcp-gateway"
	}
	return opts
}
