package mcpgateway

import "strings"

// NamespaceTool builds the aggregated name of a backend tool. Every character
// of backendName outside [A-Za-z0-9_-] becomes '_', and the result is joined
// to the unmodified toolName with "__".
//
//	NamespaceTool("filesystem", "read_file")    == "filesystem__read_file"
//	NamespaceTool("MCP with spaces", "tool")    == "MCP_with_spaces__tool"
func NamespaceTool(backendName, toolName string) string {
	return ServerPrefixNamespace{}.ToolName(backendName, toolName)
}

// ServerPrefixNamespace prefixes tool names with the sanitized backend name,
// separating the two with a configurable delimiter (defaults to "__" to stay
// within MCP's tool-name character set).
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

// ToolName returns the namespaced tool name.
func (s ServerPrefixNamespace) ToolName(backendName, toolName string) string {
	return SanitizeBackendName(backendName) + s.separator() + toolName
}

// SanitizeBackendName replaces every character outside [A-Za-z0-9_-] with
// '_'. Multi-byte runes become a single '_'.
func SanitizeBackendName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
