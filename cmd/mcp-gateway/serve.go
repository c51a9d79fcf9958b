package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		force   bool
		logRPC  bool
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the foreground until interrupted",
		Long: `Connects every enabled gateway member, then serves the Streamable HTTP
endpoint on 127.0.0.1. Edits to the config file are picked up while running;
disabling the gateway stops it. Ctrl-C drains and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, force, logRPC, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "serve even when gateway.enabled is false")
	cmd.Flags().BoolVar(&logRPC, "log-rpc", false, "log every JSON-RPC message exchanged with backends at debug level")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "ignore config file changes while running")
	return cmd
}

func runServe(cmd *cobra.Command, g *globals, force, logRPC, watch bool) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if !cfg.Gateway.Enabled && !force {
		return errors.New("gateway is disabled; run `mcp-gateway config set gateway.enabled true` or pass --force")
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := g.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	launcher := mcpmgr.NewLauncher(&mcpmgr.Options{
		ClientName:     cfg.ClientLabel,
		DefaultTimeout: cfg.ConnectTimeout,
		LogJSONRPC:     logRPC,
		Logger:         logger,
	})
	state := mcpgateway.NewServerState(st, launcher, cfg.Gateway, &mcpgateway.Options{
		Logger:          logger,
		ConnectTimeout:  cfg.ConnectTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ConnectionLabel: cfg.ClientLabel,
	})

	status, err := state.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gateway serving on %s (%d backends, %d tools)\n",
		status.Endpoint, len(status.Backends), status.ToolCount)

	if watch {
		err := config.Watch(ctx, g.configPath, logger, func(next *config.Config) {
			prev := state.GetConfig()
			state.UpdateConfig(next.Gateway)
			switch {
			case !next.Gateway.Enabled:
				logger.Info("gateway disabled in config, stopping")
				_ = state.Stop()
			case next.Gateway.Port != prev.Port:
				logger.Info("gateway port changed, restart to apply", "port", next.Gateway.Port)
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		_ = state.Stop()
	case <-state.Done():
	}

	select {
	case <-state.Done():
	case <-time.After(2 * cfg.ShutdownTimeout):
		return fmt.Errorf("gateway did not stop within %s", 2*cfg.ShutdownTimeout)
	}
	return nil
}

func newConnectionConfigCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "connection-config",
		Short: "Print the MCP client snippet that points at this gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			state := mcpgateway.NewServerState(nil, nil, cfg.Gateway, &mcpgateway.Options{
				ConnectionLabel: cfg.ClientLabel,
			})
			data, err := state.GetConnectionConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// shutdownContext bounds cleanup that runs after the command context ended.
func shutdownContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
}
