// Package managerui is the backend service bound to the desktop manager UI.
// It owns the gateway server state and exposes the management operations the
// UI calls.
package managerui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/store"
)

type McpService struct {
	configPath string
	store      *store.Store
	state      *mcpgateway.ServerState
	logger     *slog.Logger

	mu     sync.Mutex
	config *config.Config
}

// NewMcpService loads the config at configPath, opens the database and, when
// the gateway is enabled with auto_start, starts it. client may be nil, in
// which case stdio backends are spawned as real processes.
func NewMcpService(ctx context.Context, configPath string, client mcpgateway.ProcessClient, logger *slog.Logger) (*McpService, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = mcpmgr.NewLauncher(&mcpmgr.Options{
			ClientName:     cfg.ClientLabel,
			DefaultTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		})
	}
	s := &McpService{
		configPath: configPath,
		config:     cfg,
		store:      st,
		logger:     logger,
		state: mcpgateway.NewServerState(st, client, cfg.Gateway, &mcpgateway.Options{
			Logger:          logger,
			ConnectTimeout:  cfg.ConnectTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
			ConnectionLabel: cfg.ClientLabel,
		}),
	}
	if cfg.Gateway.Enabled && cfg.Gateway.AutoStart {
		if _, err := s.state.Start(ctx); err != nil {
			logger.Error("gateway auto-start failed", "error", err)
		}
	}
	return s, nil
}

func (s *McpService) GetGatewayConfig() mcpgateway.GatewayConfig {
	return s.state.GetConfig()
}

// UpdateGatewayConfig persists cfg and applies it. Disabling the gateway
// stops a running server; a new port applies on the next start.
func (s *McpService) UpdateGatewayConfig(cfg mcpgateway.GatewayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.config
	next.Gateway = cfg
	if err := config.Save(s.configPath, &next); err != nil {
		return err
	}
	s.config = &next
	s.state.UpdateConfig(cfg)
	if !cfg.Enabled {
		if err := s.state.Stop(); err != nil && !errors.Is(err, mcpgateway.ErrNotRunning) {
			return err
		}
	}
	return nil
}

func (s *McpService) StartGateway(ctx context.Context) (mcpgateway.GatewayStatus, error) {
	if !s.state.GetConfig().Enabled {
		return mcpgateway.GatewayStatus{}, errors.New("gateway is disabled")
	}
	return s.state.Start(ctx)
}

// StopGateway begins draining and waits until the server is idle or ctx ends.
func (s *McpService) StopGateway(ctx context.Context) error {
	if err := s.state.Stop(); err != nil {
		return err
	}
	select {
	case <-s.state.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *McpService) GetGatewayStatus(ctx context.Context) (mcpgateway.GatewayStatus, error) {
	return s.state.GetStatus(ctx)
}

func (s *McpService) GetConnectionConfig() (string, error) {
	data, err := s.state.GetConnectionConfig()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *McpService) GetServers(ctx context.Context) ([]store.Server, error) {
	return s.store.ListServers(ctx)
}

func (s *McpService) AddServer(ctx context.Context, srv store.Server) (int64, error) {
	return s.store.CreateServer(ctx, srv)
}

func (s *McpService) DeleteServer(ctx context.Context, id int64) error {
	return s.store.DeleteServer(ctx, id)
}

func (s *McpService) GetGatewayMembers(ctx context.Context) ([]store.Member, error) {
	return s.store.GatewayMembers(ctx)
}

func (s *McpService) AddGatewayBackend(ctx context.Context, serverID int64) error {
	return s.store.AddGatewayBackend(ctx, serverID)
}

func (s *McpService) RemoveGatewayBackend(ctx context.Context, serverID int64) error {
	return s.store.RemoveGatewayBackend(ctx, serverID)
}

func (s *McpService) SetGatewayBackendEnabled(ctx context.Context, serverID int64, enabled bool) error {
	return s.store.SetGatewayBackendEnabled(ctx, serverID, enabled)
}

func (s *McpService) SetGatewayBackendAutoRestart(ctx context.Context, serverID int64, autoRestart bool) error {
	return s.store.SetGatewayBackendAutoRestart(ctx, serverID, autoRestart)
}

// RestartGatewayBackend reconnects one member of a running gateway, picking
// up edits made to its stored definition.
func (s *McpService) RestartGatewayBackend(ctx context.Context, serverID int64) (mcpgateway.BackendInfo, error) {
	return s.state.RestartBackend(ctx, serverID)
}

// Close stops the gateway if it is running and closes the database.
func (s *McpService) Close(ctx context.Context) error {
	var errs []error
	if err := s.StopGateway(ctx); err != nil && !errors.Is(err, mcpgateway.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("stop gateway: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
