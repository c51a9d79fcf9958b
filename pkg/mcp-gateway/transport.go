package mcpgateway

import (
	"context"
	"maps"
	"slices"

	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// TransportKind names a backend transport family.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// Transport describes how a backend is reached. The set of implementations is
// closed: StdioTransport, HTTPTransport, SSETransport, and UnknownTransport.
// Only stdio backends can be aggregated; the rest fail with an
// UnsupportedTransportError when dialed.
type Transport interface {
	Kind() TransportKind
	dial(ctx context.Context, m *BackendManager, rec BackendRecord) (*mcpmgr.Session, error)
}

// StdioTransport launches the backend as a child process.
type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string
}

func (StdioTransport) Kind() TransportKind { return TransportStdio }

func (StdioTransport) dial(ctx context.Context, m *BackendManager, rec BackendRecord) (*mcpmgr.Session, error) {
	return m.spawnStdio(ctx, rec)
}

func (t StdioTransport) config(id string) *mcpmgr.StdioServerConfig {
	return &mcpmgr.StdioServerConfig{
		ID:      id,
		Command: t.Command,
		Args:    slices.Clone(t.Args),
		Env:     maps.Clone(t.Env),
	}
}

// HTTPTransport is a streamable HTTP backend.
type HTTPTransport struct {
	URL string
}

func (HTTPTransport) Kind() TransportKind { return TransportHTTP }

func (t HTTPTransport) dial(context.Context, *BackendManager, BackendRecord) (*mcpmgr.Session, error) {
	return nil, &UnsupportedTransportError{Kind: t.Kind()}
}

// SSETransport is a legacy server-sent-events backend.
type SSETransport struct {
	URL string
}

func (SSETransport) Kind() TransportKind { return TransportSSE }

func (t SSETransport) dial(context.Context, *BackendManager, BackendRecord) (*mcpmgr.Session, error) {
	return nil, &UnsupportedTransportError{Kind: t.Kind()}
}

// UnknownTransport keeps records whose declared type the gateway does not
// recognize, so they still show up in listings.
type UnknownTransport struct {
	Name string
}

func (t UnknownTransport) Kind() TransportKind {
	if t.Name == "" {
		return "unknown"
	}
	return TransportKind(t.Name)
}

func (t UnknownTransport) dial(context.Context, *BackendManager, BackendRecord) (*mcpmgr.Session, error) {
	return nil, &UnsupportedTransportError{Kind: t.Kind()}
}

// NewTransport maps a persisted transport type onto its implementation.
func NewTransport(kind string, command string, args []string, env map[string]string, url string) Transport {
	switch TransportKind(kind) {
	case TransportStdio:
		return StdioTransport{Command: command, Args: args, Env: env}
	case TransportHTTP:
		return HTTPTransport{URL: url}
	case TransportSSE:
		return SSETransport{URL: url}
	default:
		return UnknownTransport{Name: kind}
	}
}
