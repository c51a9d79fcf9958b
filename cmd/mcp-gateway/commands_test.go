package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestBackendsLifecycle(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, cfg, "backends", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No gateway members")

	_, err = run(t, cfg, "backends", "add", "everything",
		"--command", "npx", "--arg", "-y", "--arg", "@modelcontextprotocol/server-everything", "--auto-restart")
	require.NoError(t, err)
	_, err = run(t, cfg, "backends", "add", "web", "--transport", "http", "--url", "https://example.com/mcp", "--disabled")
	require.NoError(t, err)

	_, err = run(t, cfg, "backends", "add", "broken")
	assert.ErrorContains(t, err, "--command is required")
	_, err = run(t, cfg, "backends", "add", "everything", "--command", "other")
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, cfg, "backends", "list", "--json")
	require.NoError(t, err)
	var members []struct {
		Name        string `json:"name"`
		Enabled     bool   `json:"enabled"`
		AutoRestart bool   `json:"auto_restart"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &members))
	require.Len(t, members, 2)
	assert.Equal(t, "everything", members[0].Name)
	assert.True(t, members[0].Enabled)
	assert.True(t, members[0].AutoRestart)
	assert.False(t, members[1].Enabled)

	_, err = run(t, cfg, "backends", "enable", "web")
	require.NoError(t, err)
	_, err = run(t, cfg, "backends", "auto-restart", "everything", "off")
	require.NoError(t, err)
	_, err = run(t, cfg, "backends", "remove", "web")
	require.NoError(t, err)

	out, err = run(t, cfg, "backends", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "everything")
	assert.Contains(t, out, "\"-y\"")
	assert.NotContains(t, out, "https://example.com/mcp")

	_, err = run(t, cfg, "backends", "disable", "missing")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, cfg, "config", "set", "gateway.port", "40123")
	require.NoError(t, err)

	out, err := run(t, cfg, "config", "get", "gateway.port")
	require.NoError(t, err)
	assert.Equal(t, "40123\n", out)

	out, err = run(t, cfg, "config", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "gateway.enabled = false")
	assert.Contains(t, out, "log_format = text")

	_, err = run(t, cfg, "config", "set", "log_format", "xml")
	assert.Error(t, err)

	out, err = run(t, cfg, "connection-config")
	require.NoError(t, err)
	var snippet map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &snippet))
	assert.Equal(t, "http://127.0.0.1:40123/mcp", snippet["mcp-gateway"]["url"])
	assert.Equal(t, "sse", snippet["mcp-gateway"]["type"])
}

func TestServeRefusesWhenDisabled(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, cfg, "serve")
	assert.ErrorContains(t, err, "gateway is disabled")
}

func TestProbeNeedsTarget(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, cfg, "probe")
	assert.ErrorContains(t, err, "pass a server name or --command")
}
