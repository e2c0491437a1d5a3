package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/metrics"
)

// DefaultRequestTimeout bounds each backend call made for an HTTP request.
const DefaultRequestTimeout = 10 * time.Second

// FleetClient is the backend API used by the gateway, satisfied by *fleetrpc.Client.
type FleetClient interface {
	RankDevices(ctx context.Context, req *fleetrpc.RankDevicesRequest, opts ...grpc.CallOption) (*fleetrpc.RankDevicesResponse, error)
	GetDevice(ctx context.Context, req *fleetrpc.GetDeviceRequest, opts ...grpc.CallOption) (*fleetrpc.GetDeviceResponse, error)
	FleetSummary(ctx context.Context, req *fleetrpc.FleetSummaryRequest, opts ...grpc.CallOption) (*fleetrpc.FleetSummaryResponse, error)
	CycleCounts(ctx context.Context, req *fleetrpc.CycleCountsRequest, opts ...grpc.CallOption) (*fleetrpc.CycleCountsResponse, error)
	ListCycleTally(ctx context.Context, req *fleetrpc.ListCycleTallyRequest, opts ...grpc.CallOption) (*fleetrpc.ListCycleTallyResponse, error)
	IncrementCycleTally(ctx context.Context, req *fleetrpc.IncrementCycleTallyRequest, opts ...grpc.CallOption) (*fleetrpc.IncrementCycleTallyResponse, error)
	SetCycleTally(ctx context.Context, req *fleetrpc.SetCycleTallyRequest, opts ...grpc.CallOption) (*fleetrpc.SetCycleTallyResponse, error)
}

var _ FleetClient = (*fleetrpc.Client)(nil)

// Server is the HTTP JSON gateway in front of the fleet backend.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	client     FleetClient
	grpcConn   *grpc.ClientConn
	metrics    *metrics.GatewayMetrics
	timeout    time.Duration
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP server configuration
	HTTPPort int

	// Backend gRPC configuration
	BackendGRPCAddr string

	// Client replaces the gRPC connection to BackendGRPCAddr when set.
	Client FleetClient

	// RequestTimeout bounds each backend call (defaults to 10s).
	RequestTimeout time.Duration

	Metrics *metrics.GatewayMetrics
}

// NewServer creates a new gateway Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.BackendGRPCAddr == "" && cfg.Client == nil {
		return nil, errors.New("backend gRPC address cannot be empty")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Server{
		logger:  cfg.Logger,
		client:  cfg.Client,
		metrics: cfg.Metrics,
		timeout: timeout,
		config:  cfg,
	}, nil
}

// connect dials the backend unless a client was injected.
func (s *Server) connect() error {
	if s.client != nil {
		return nil
	}

	s.logger.Info("connecting to backend gRPC server", "address", s.config.BackendGRPCAddr)
	conn, err := grpc.NewClient(
		s.config.BackendGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(ClientMetricsInterceptor(s.metrics)),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to backend: %w", err)
	}
	s.grpcConn = conn
	s.client = fleetrpc.NewClient(conn)
	return nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s.withRequestID(s.instrument(s.setupRoutes())), nil
}

// Run starts the gateway and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting gateway server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("gateway server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			_ = s.Shutdown()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down gateway server")

	var errs []error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
	}

	if s.grpcConn != nil {
		s.logger.Info("closing gRPC connection")
		if err := s.grpcConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gRPC connection close error: %w", err))
		}
		s.grpcConn = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("gateway server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("gateway server shutdown completed successfully")
	return nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/devices", s.handleRankDevices)
	mux.HandleFunc("GET /api/v1/devices/{key}", s.handleGetDevice)
	mux.HandleFunc("GET /api/v1/summary", s.handleFleetSummary)
	mux.HandleFunc("GET /api/v1/cycles", s.handleCycleCounts)

	mux.HandleFunc("GET /api/v1/cycle-tally", s.handleListCycleTally)
	mux.HandleFunc("POST /api/v1/cycle-tally/increment", s.handleIncrementCycleTally)
	mux.HandleFunc("PUT /api/v1/cycle-tally", s.handleSetCycleTally)

	return mux
}
