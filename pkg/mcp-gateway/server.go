package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

// GatewayConfig is the user-facing gateway configuration. It is replaced as a
// whole; there is no per-field update.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Port      uint16 `json:"port" yaml:"port" mapstructure:"port"`
	AutoStart bool   `json:"auto_start" yaml:"auto_start" mapstructure:"auto_start"`
}

// DefaultGatewayConfig returns a disabled gateway on DefaultPort.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{Port: DefaultPort}
}

// GatewayStatus is a read-only snapshot of the server state.
type GatewayStatus struct {
	Running   bool          `json:"running"`
	Port      uint16        `json:"port"`
	BaseURL   string        `json:"base_url"`
	Path      string        `json:"path"`
	Endpoint  string        `json:"endpoint"`
	Backends  []BackendInfo `json:"backends,omitempty"`
	ToolCount int           `json:"tool_count"`
}

type serverPhase int

const (
	phaseIdle serverPhase = iota
	phaseStarting
	phaseRunning
	phaseDraining
)

// ServerState runs the gateway: it connects the backends, serves the protocol
// handler over loopback HTTP from a background task, and tears both down on
// Stop.
type ServerState struct {
	store    BackendStore
	opts     Options
	registry *prometheus.Registry
	manager  *BackendManager

	mu     sync.Mutex
	config GatewayConfig
	phase  serverPhase
	port   uint16
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServerState wires a backend manager over store and client. When
// opts.Registry is nil a private registry with Go runtime and process
// collectors is created.
func NewServerState(store BackendStore, client ProcessClient, cfg GatewayConfig, opts *Options) *ServerState {
	options := opts.withDefaults()
	if options.Registry == nil {
		options.Registry = prometheus.NewRegistry()
		options.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	done := make(chan struct{})
	close(done)
	return &ServerState{
		store:    store,
		opts:     options,
		registry: options.Registry,
		manager:  NewBackendManager(store, client, &options),
		config:   cfg,
		done:     done,
	}
}

// Manager returns the backend manager shared by every run of the server.
func (s *ServerState) Manager() *BackendManager { return s.manager }

// Start connects the enabled backends, binds the listener, and starts serving.
// Backends that fail to connect do not fail Start; a failed membership read or
// bind does. The returned status already reflects every backend.
func (s *ServerState) Start(ctx context.Context) (GatewayStatus, error) {
	s.mu.Lock()
	if s.phase != phaseIdle {
		s.mu.Unlock()
		return GatewayStatus{}, ErrAlreadyRunning
	}
	s.phase = phaseStarting
	cfg := s.config
	s.mu.Unlock()

	if err := s.start(ctx, cfg); err != nil {
		s.mu.Lock()
		s.phase = phaseIdle
		s.mu.Unlock()
		return GatewayStatus{}, err
	}

	status, err := s.GetStatus(ctx)
	if err != nil {
		return s.GetStatusSync(), nil
	}
	return status, nil
}

func (s *ServerState) start(ctx context.Context, cfg GatewayConfig) error {
	if err := s.manager.LoadAndConnect(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(int(cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.shutdownManager()
		return &BindError{Addr: addr, Err: err}
	}
	port := cfg.Port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = uint16(tcp.Port)
	}

	if registrar, ok := s.store.(SelfRegistrar); ok {
		if err := registrar.RegisterGatewaySelf(ctx, s.opts.SelfName, s.endpoint(port)); err != nil {
			s.logError("register gateway entry", err, "name", s.opts.SelfName)
		}
	}

	handler := NewProtocolHandler(s.manager, &s.opts)
	srv := &http.Server{
		Handler:           s.routes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.phase = phaseRunning
	s.port = port
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.serve(serveCtx, srv, ln, done)
	s.opts.Logger.Info("gateway listening", "port", port, "endpoint", s.endpoint(port))
	return nil
}

// serve runs until ctx is cancelled or the listener fails, then drains HTTP
// and releases every backend before marking the server stopped.
func (s *ServerState) serve(ctx context.Context, srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Streaming responses keep connections busy; cut them off.
			_ = srv.Close()
			return fmt.Errorf("mcpgateway: http shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logError("gateway serve", err)
	}

	s.shutdownManager()

	s.mu.Lock()
	s.phase = phaseIdle
	s.cancel = nil
	s.mu.Unlock()
	s.opts.Logger.Info("gateway stopped")
}

func (s *ServerState) shutdownManager() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logError("shutdown backends", err)
	}
}

// Stop signals the serving task to shut down and returns without waiting.
// Running stays true until the task has drained HTTP and released the
// backends; Done is closed at that point.
func (s *ServerState) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case phaseRunning:
		s.phase = phaseDraining
		s.cancel()
		return nil
	case phaseDraining:
		return nil
	default:
		return ErrNotRunning
	}
}

// Done is closed when the current run has fully stopped. It is already closed
// when the server has never been started.
func (s *ServerState) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// RestartBackend restarts one backend while the server keeps serving.
func (s *ServerState) RestartBackend(ctx context.Context, id int64) (BackendInfo, error) {
	return s.manager.RestartBackend(ctx, id)
}

// GetStatus returns the full status, including backend details. It waits for
// the backend manager lock.
func (s *ServerState) GetStatus(ctx context.Context) (GatewayStatus, error) {
	status := s.GetStatusSync()
	infos, tools, err := s.manager.snapshot(ctx)
	if err != nil {
		return status, err
	}
	status.Backends = infos
	status.ToolCount = tools
	return status, nil
}

// GetStatusSync returns the status without backend details and never blocks
// on the backend manager.
func (s *ServerState) GetStatusSync() GatewayStatus {
	s.mu.Lock()
	running := s.phase == phaseRunning || s.phase == phaseDraining
	port := s.portLocked()
	s.mu.Unlock()

	base := baseURL(port)
	return GatewayStatus{
		Running:   running,
		Port:      port,
		BaseURL:   base,
		Path:      s.opts.Path,
		Endpoint:  base + s.opts.Path,
		ToolCount: s.manager.CachedToolCount(),
	}
}

// UpdateConfig replaces the configuration. A running server keeps its
// listener until it is restarted.
func (s *ServerState) UpdateConfig(cfg GatewayConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

// GetConfig returns the current configuration.
func (s *ServerState) GetConfig() GatewayConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// GetConnectionConfig renders the snippet a downstream MCP client needs to
// reach this gateway.
func (s *ServerState) GetConnectionConfig() ([]byte, error) {
	s.mu.Lock()
	port := s.portLocked()
	s.mu.Unlock()
	return json.MarshalIndent(map[string]any{
		s.opts.ConnectionLabel: map[string]string{
			"type": "sse",
			"url":  s.endpoint(port),
		},
	}, "", "  ")
}

func (s *ServerState) portLocked() uint16 {
	if s.phase == phaseRunning || s.phase == phaseDraining {
		return s.port
	}
	return s.config.Port
}

func (s *ServerState) endpoint(port uint16) string {
	return baseURL(port) + s.opts.Path
}

func baseURL(port uint16) string {
	return "http://" + net.JoinHostPort(DefaultHost, strconv.Itoa(int(port)))
}

func (s *ServerState) routes(handler *ProtocolHandler) http.Handler {
	path := s.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler.Handler())
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", handler.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler(mux)
}

func (s *ServerState) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	s.opts.Logger.Error(msg, attrs...)
}
