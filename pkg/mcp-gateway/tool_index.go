package mcpgateway

import (
	"maps"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyBackendID   = "mcpgateway.backend_id"
	metaKeyBackendName = "mcpgateway.backend"
	metaKeyNativeName  = "mcpgateway.native_name"
)

// ToolMapping ties a namespaced tool name to the backend tool it routes to.
type ToolMapping struct {
	NamespacedName string
	BackendID      int64
	BackendName    string
	OriginalName   string
	Tool           *mcp.Tool
}

// toolIndex is derived state: it is only ever rebuilt wholesale from the
// connected backends. It has no lock of its own; the manager lock guards it.
type toolIndex struct {
	entries map[string]ToolMapping
	order   []string
	// skipped counts namespaced names dropped because another backend
	// already claimed them during the last rebuild.
	skipped int
}

func newToolIndex() *toolIndex {
	return &toolIndex{entries: make(map[string]ToolMapping)}
}

func (x *toolIndex) rebuild(backends []*BackendConnection) {
	x.clear()
	for _, conn := range backends {
		if !conn.live() {
			continue
		}
		for _, tool := range conn.tools {
			if tool == nil {
				continue
			}
			name := NamespaceTool(conn.record.Name, tool.Name)
			if _, taken := x.entries[name]; taken {
				x.skipped++
				continue
			}
			x.entries[name] = ToolMapping{
				NamespacedName: name,
				BackendID:      conn.record.ID,
				BackendName:    conn.record.Name,
				OriginalName:   tool.Name,
				Tool:           tool,
			}
			x.order = append(x.order, name)
		}
	}
}

func (x *toolIndex) clear() {
	clear(x.entries)
	x.order = x.order[:0]
	x.skipped = 0
}

func (x *toolIndex) lookup(name string) (ToolMapping, bool) {
	m, ok := x.entries[name]
	return m, ok
}

func (x *toolIndex) len() int { return len(x.entries) }

// tools returns the aggregated catalog in backend order, renamed and with
// descriptions tagged by backend.
func (x *toolIndex) tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(x.order))
	for _, name := range x.order {
		m := x.entries[name]
		out = append(out, decorateTool(m))
	}
	return out
}

func decorateTool(m ToolMapping) *mcp.Tool {
	clone := *m.Tool
	clone.Name = m.NamespacedName
	prefix := "[" + m.BackendName + "]"
	if m.Tool.Description == "" {
		clone.Description = prefix
	} else {
		clone.Description = prefix + " " + m.Tool.Description
	}
	meta := mcp.Meta{}
	if m.Tool.Meta != nil {
		meta = maps.Clone(m.Tool.Meta)
	}
	meta[metaKeyBackendID] = m.BackendID
	meta[metaKeyBackendName] = m.BackendName
	meta[metaKeyNativeName] = m.OriginalName
	clone.Meta = meta
	return &clone
}

func cloneTools(tools []*mcp.Tool) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		clone := *tool
		out = append(out, &clone)
	}
	return out
}
