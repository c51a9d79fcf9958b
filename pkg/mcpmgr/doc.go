// Package mcpmgr is the process-client layer of the gateway. It launches
// Model Context Protocol (MCP) servers as child processes, performs the
// initialize handshake over their stdio, and hands back a Session that owns
// the process.
//
// # Core entry points
//
//   - Launcher spawns servers. Construct it with NewLauncher and call Spawn
//     with a StdioServerConfig, or Connect with any mcp.Transport.
//   - Session wraps one live client connection: ServerInfo and Tools expose
//     what the handshake discovered, CallTool invokes a tool by its native
//     name, and Close terminates and reaps the child.
//   - Options set the client identity, timeouts, and JSON-RPC traffic
//     logging.
//
// Sessions refresh their catalog on demand through RefreshTools and report
// notifications/tools/list_changed through OnToolsChanged. Done is closed when
// the server exits, which lets owners react to crashed children.
package mcpmgr
