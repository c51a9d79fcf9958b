package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"
)

// Names of the gateway's own tools.
const (
	ToolListAvailableMCPs = "list_available_mcps"
	ToolLoadMCPTools      = "load_mcp_tools"
	ToolCallMCPTool       = "call_mcp_tool"
)

// Instructions is the banner announced to clients during initialization.
const Instructions = `This gateway fronts several MCP servers through three tools. Use them in this order:
1. list_available_mcps: discover the configured MCP servers and their status.
2. load_mcp_tools: load the tools of one server by its name.
3. call_mcp_tool: call one of those tools by server name, tool name, and arguments.`

var metaToolNames = []string{ToolListAvailableMCPs, ToolLoadMCPTools, ToolCallMCPTool}

type listAvailableMCPsArgs struct{}

type loadMCPToolsArgs struct {
	MCPName string `json:"mcp_name" jsonschema:"name of the MCP server as reported by list_available_mcps"`
}

type callMCPToolArgs struct {
	MCPName   string         `json:"mcp_name" jsonschema:"name of the MCP server that owns the tool"`
	ToolName  string         `json:"tool_name" jsonschema:"tool name as reported by load_mcp_tools"`
	Arguments map[string]any `json:"arguments,omitempty" jsonschema:"arguments passed to the tool"`
}

type availableMCPs struct {
	Servers []BackendInfo `json:"servers"`
	Count   int           `json:"count"`
}

type loadedTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type loadedTools struct {
	MCPName    string       `json:"mcp_name"`
	Status     BackendState `json:"status"`
	ServerInfo *ServerInfo  `json:"server_info,omitempty"`
	Tools      []loadedTool `json:"tools"`
}

// ProtocolHandler is the MCP surface of the gateway. Instead of publishing
// the aggregated catalog it serves three meta-tools that let a client
// discover backends, load one backend's catalog, and call a tool on it.
type ProtocolHandler struct {
	manager *BackendManager
	opts    Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
}

// NewProtocolHandler builds the MCP server bound to m.
func NewProtocolHandler(m *BackendManager, opts *Options) *ProtocolHandler {
	options := opts.withDefaults()
	h := &ProtocolHandler{manager: m, opts: options}

	h.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		Instructions: Instructions,
		HasTools:     true,
	})
	h.server.AddReceivingMiddleware(h.rejectUnknownTools)

	mcp.AddTool(h.server, &mcp.Tool{
		Name:        ToolListAvailableMCPs,
		Description: "List every MCP server configured behind this gateway with its connection status. Call this first.",
		InputSchema: inputSchema[listAvailableMCPsArgs](),
	}, h.listAvailableMCPs)
	mcp.AddTool(h.server, &mcp.Tool{
		Name:        ToolLoadMCPTools,
		Description: "Load the tools of one MCP server, connecting it if needed. Returns each tool's name, description, and input schema.",
		InputSchema: inputSchema[loadMCPToolsArgs]("mcp_name"),
	}, h.loadMCPTools)
	mcp.AddTool(h.server, &mcp.Tool{
		Name:        ToolCallMCPTool,
		Description: "Call a tool on one MCP server. Load the server's tools first to learn their names and arguments.",
		InputSchema: inputSchema[callMCPToolArgs]("mcp_name", "tool_name"),
	}, h.callMCPTool)

	h.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return h.server
	}, &options.Streamable)
	return h
}

// Server returns the underlying MCP server, for callers that want to serve it
// over a transport other than Streamable HTTP.
func (h *ProtocolHandler) Server() *mcp.Server { return h.server }

// Handler returns the Streamable HTTP handler for the gateway endpoint.
func (h *ProtocolHandler) Handler() http.Handler { return h.streamHandler }

// inputSchema infers T's schema and requires the named string properties to
// be non-empty.
func inputSchema[T any](nonEmpty ...string) *jsonschema.Schema {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		panic(fmt.Sprintf("mcpgateway: schema for %T: %v", *new(T), err))
	}
	for _, name := range nonEmpty {
		if prop, ok := schema.Properties[name]; ok {
			prop.MinLength = jsonschema.Ptr(1)
		}
	}
	return schema
}

func (h *ProtocolHandler) listAvailableMCPs(ctx context.Context, _ *mcp.CallToolRequest, _ listAvailableMCPsArgs) (*mcp.CallToolResult, any, error) {
	infos, err := h.manager.GetBackendsInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(availableMCPs{Servers: infos, Count: len(infos)})
}

func (h *ProtocolHandler) loadMCPTools(ctx context.Context, _ *mcp.CallToolRequest, args loadMCPToolsArgs) (*mcp.CallToolResult, any, error) {
	info, tools, err := h.manager.LoadBackendTools(ctx, args.MCPName)
	if err != nil {
		if errors.Is(err, ErrUnknownBackend) {
			return nil, nil, h.unknownBackend(ctx, args.MCPName)
		}
		reason := info.Error
		switch fresh := failureReason(err); {
		case reason == "":
			reason = fresh
		case fresh != reason:
			reason += " (retry: " + fresh + ")"
		}
		return nil, nil, fmt.Errorf("failed to load tools for %q: %s", args.MCPName, reason)
	}

	out := loadedTools{
		MCPName:    info.Name,
		Status:     info.Status,
		ServerInfo: info.ServerInfo,
		Tools:      make([]loadedTool, 0, len(tools)),
	}
	for _, tool := range tools {
		out.Tools = append(out.Tools, loadedTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return jsonResult(out)
}

func (h *ProtocolHandler) callMCPTool(ctx context.Context, _ *mcp.CallToolRequest, args callMCPToolArgs) (*mcp.CallToolResult, any, error) {
	callID := ulid.Make().String()
	logger := h.opts.Logger.With("call_id", callID, "backend", args.MCPName, "tool", args.ToolName)
	logger.Debug("routing tool call")

	start := time.Now()
	res, err := h.manager.CallBackendTool(ctx, args.MCPName, args.ToolName, args.Arguments)
	if err != nil {
		logger.Warn("tool call failed", "error", err, "elapsed", time.Since(start))
		if errors.Is(err, ErrUnknownBackend) {
			return nil, nil, h.unknownBackend(ctx, args.MCPName)
		}
		return nil, nil, err
	}
	logger.Debug("tool call finished", "is_error", res.IsError, "elapsed", time.Since(start))
	return convertResult(res), nil, nil
}

func (h *ProtocolHandler) unknownBackend(ctx context.Context, name string) error {
	infos, err := h.manager.GetBackendsInfo(ctx)
	if err != nil || len(infos) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return fmt.Errorf("%w: %s (available: %s)", ErrUnknownBackend, name, strings.Join(names, ", "))
}

// rejectUnknownTools answers calls to anything but the meta-tools with an
// error result instead of a protocol error.
func (h *ProtocolHandler) rejectUnknownTools(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method != "tools/call" {
			return next(ctx, method, req)
		}
		call, ok := req.(*mcp.CallToolRequest)
		if !ok || call.Params == nil {
			return next(ctx, method, req)
		}
		for _, name := range metaToolNames {
			if call.Params.Name == name {
				return next(ctx, method, req)
			}
		}
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(
				"unknown tool %q; this gateway only serves %s",
				call.Params.Name, strings.Join(metaToolNames, ", "))}},
		}, nil
	}
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}

// convertResult copies a backend result into the gateway's own result, one
// content block per backend block.
func convertResult(res *mcp.CallToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		IsError:           res.IsError,
		StructuredContent: res.StructuredContent,
		Content:           make([]mcp.Content, 0, len(res.Content)),
	}
	for _, c := range res.Content {
		if converted := convertContent(c); converted != nil {
			out.Content = append(out.Content, converted)
		}
	}
	return out
}

func convertContent(c mcp.Content) mcp.Content {
	switch v := c.(type) {
	case *mcp.TextContent:
		return &mcp.TextContent{Text: v.Text, Meta: v.Meta, Annotations: v.Annotations}
	case *mcp.ImageContent:
		return &mcp.ImageContent{Data: v.Data, MIMEType: v.MIMEType, Meta: v.Meta, Annotations: v.Annotations}
	case *mcp.AudioContent:
		return &mcp.AudioContent{Data: v.Data, MIMEType: v.MIMEType, Meta: v.Meta, Annotations: v.Annotations}
	case *mcp.ResourceLink:
		link := *v
		return &link
	case *mcp.EmbeddedResource:
		embedded := *v
		if v.Resource != nil {
			contents := *v.Resource
			embedded.Resource = &contents
		}
		return &embedded
	default:
		return c
	}
}
