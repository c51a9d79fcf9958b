package mcpgateway

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the backend manager and the server lifecycle.
// Match them with errors.Is; most are wrapped with the offending name or id.
var (
	ErrAlreadyRunning = errors.New("mcpgateway: gateway already running")
	ErrNotRunning     = errors.New("mcpgateway: gateway not running")

	// ErrNotFound reports a restart of an id that is no longer a gateway member.
	ErrNotFound = errors.New("mcpgateway: backend not found")

	ErrUnknownBackend = errors.New("mcpgateway: unknown backend")
	ErrUnknownTool    = errors.New("mcpgateway: unknown tool")
	ErrNotConnected   = errors.New("mcpgateway: backend not connected")

	ErrUnsupportedTransport = errors.New("mcpgateway: transport not supported for gateway aggregation")
)

// ConfigError reports a failure to read or write gateway configuration or
// backend membership. It is fatal to the operation that hit it.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mcpgateway: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("mcpgateway: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// BackendConnectError wraps a spawn or handshake failure. The manager records
// it as the backend's Failed reason instead of returning it from bulk
// operations.
type BackendConnectError struct {
	Backend string
	Err     error
}

func (e *BackendConnectError) Error() string {
	return fmt.Sprintf("mcpgateway: connect backend %q: %v", e.Backend, e.Err)
}

func (e *BackendConnectError) Unwrap() error { return e.Err }

// Reason is the human readable text stored in the Failed status.
func (e *BackendConnectError) Reason() string {
	if e.Err == nil {
		return "connect failed"
	}
	return e.Err.Error()
}

// UnsupportedTransportError is returned when a backend declares a transport
// the gateway cannot aggregate.
type UnsupportedTransportError struct {
	Kind TransportKind
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("%s transport is not supported for gateway aggregation; only stdio backends can be connected", e.Kind)
}

func (e *UnsupportedTransportError) Is(target error) bool {
	return target == ErrUnsupportedTransport
}
