package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
	"github.com/vikashloomba/mcp-gateway-go/pkg/store"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Expose many MCP servers behind one loopback endpoint",
		Long: `mcp-gateway aggregates the stdio MCP servers you register with it and
serves them to MCP clients through three meta-tools:
list_available_mcps, load_mcp_tools and call_mcp_tool.

Examples:
  mcp-gateway backends add everything --command npx --arg -y --arg @modelcontextprotocol/server-everything
  mcp-gateway config set gateway.enabled true
  mcp-gateway serve
  mcp-gateway connection-config`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal.
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "path to the config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override log_format (text, json)")

	root.AddCommand(
		newServeCmd(g),
		newBackendsCmd(g),
		newConfigCmd(g),
		newConnectionConfigCmd(g),
		newProbeCmd(g),
	)
	return root
}

// load reads the config file and applies the log flag overrides.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globals) openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	return st, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
