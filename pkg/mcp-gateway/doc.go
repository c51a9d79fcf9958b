// Package mcpgateway aggregates several stdio MCP servers behind one loopback
// Streamable HTTP endpoint.
//
// A BackendManager spawns every enabled backend through mcpmgr, tracks each
// one's connection state, and keeps a namespaced index of their tools
// ("<backend>__<tool>"). A ProtocolHandler serves that state to clients
// through three meta-tools (list_available_mcps, load_mcp_tools,
// call_mcp_tool) so a model discovers backends and loads their catalogs on
// demand instead of receiving hundreds of tools up front. ServerState owns the
// listener and the background serving task and exposes start, stop, and
// status to a management surface.
package mcpgateway
