package mcpgateway

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

// BackendRecord is one gateway member as stored by the persistence layer.
type BackendRecord struct {
	ID          int64
	Name        string
	Transport   Transport
	Enabled     bool
	AutoRestart bool
	// Self marks the gateway's own registration entry. Such records are never
	// connected.
	Self bool
}

// BackendStore reads gateway membership.
type BackendStore interface {
	// EnabledGatewayBackends returns the members that should be connected at
	// startup.
	EnabledGatewayBackends(ctx context.Context) ([]BackendRecord, error)
	// GatewayBackends returns every member, enabled or not.
	GatewayBackends(ctx context.Context) ([]BackendRecord, error)
}

// MembershipStore is the writable side of the persistence layer used by the
// management surface.
type MembershipStore interface {
	BackendStore
	AddGatewayBackend(ctx context.Context, serverID int64) error
	RemoveGatewayBackend(ctx context.Context, serverID int64) error
	SetGatewayBackendEnabled(ctx context.Context, serverID int64, enabled bool) error
	SetGatewayBackendAutoRestart(ctx context.Context, serverID int64, autoRestart bool) error
}

// SelfRegistrar is implemented by stores that can advertise the running
// gateway as a discoverable server entry.
type SelfRegistrar interface {
	RegisterGatewaySelf(ctx context.Context, name, url string) error
}

// ProcessClient spawns a stdio backend and completes the MCP handshake.
// *mcpmgr.Launcher implements it.
type ProcessClient interface {
	Spawn(ctx context.Context, cfg *mcpmgr.StdioServerConfig) (*mcpmgr.Session, error)
}

// ServerInfo is the implementation a backend announced during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// BackendInfo is a read-only projection of one backend.
type BackendInfo struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Type         TransportKind `json:"type"`
	Status       BackendState  `json:"status"`
	ToolCount    int           `json:"tool_count"`
	ServerInfo   *ServerInfo   `json:"server_info,omitempty"`
	Error        string        `json:"error,omitempty"`
	RestartCount int           `json:"restart_count"`
	AutoRestart  bool          `json:"auto_restart"`
}

// BackendConnection is the per-backend state owned by a BackendManager. All
// fields are guarded by the manager lock.
type BackendConnection struct {
	record       BackendRecord
	status       BackendStatus
	session      *mcpmgr.Session
	tools        []*mcp.Tool
	serverInfo   *ServerInfo
	restartCount int
	// generation changes whenever session is replaced or released, so
	// background watchers can tell whether they still own it.
	generation uint64
}

func newBackendConnection(rec BackendRecord) *BackendConnection {
	return &BackendConnection{record: rec, status: Disconnected}
}

func (c *BackendConnection) info() BackendInfo {
	info := BackendInfo{
		ID:           c.record.ID,
		Name:         c.record.Name,
		Status:       c.status.State,
		ToolCount:    len(c.tools),
		RestartCount: c.restartCount,
		AutoRestart:  c.record.AutoRestart,
	}
	if c.record.Transport != nil {
		info.Type = c.record.Transport.Kind()
	}
	if c.serverInfo != nil {
		si := *c.serverInfo
		info.ServerInfo = &si
	}
	if c.status.State == StateFailed {
		info.Error = c.status.Reason
	}
	return info
}

func (c *BackendConnection) live() bool {
	return c.status.State == StateConnected && c.session != nil
}

// release closes the owned session, if any, and waits for the child to be
// reaped. The connection keeps its catalog until the caller resets it.
func (c *BackendConnection) release(ctx context.Context) error {
	c.generation++
	session := c.session
	c.session = nil
	if session == nil {
		return nil
	}
	return session.Close(ctx)
}

func (c *BackendConnection) adopt(session *mcpmgr.Session) {
	c.generation++
	c.session = session
	c.tools = session.Tools()
	info := session.ServerInfo()
	c.serverInfo = &ServerInfo{Name: info.Name, Title: info.Title, Version: info.Version}
	c.status = Connected
}

func (c *BackendConnection) fail(reason string) {
	c.status = Failed(reason)
	c.tools = nil
}
