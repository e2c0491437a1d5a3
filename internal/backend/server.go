package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"gorm.io/gorm"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/cache"
	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/logger"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/mq"
)

// Server represents the backend process: database, ranking engine, tally
// trigger consumer, gRPC API and metrics listener.
type Server struct {
	logger        *slog.Logger
	db            *gorm.DB
	cache         *cache.RedisCache
	ranker        *fleet.Ranker
	mqClient      *mq.Client
	consumer      *Consumer
	grpcServer    *grpc.Server
	metricsServer *http.Server
	config        *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// Table is the schema-qualified telemetry table (defaults to iot.bms_telemetry).
	Table string
	// MigrateTelemetry creates the telemetry table and hypertable when missing.
	MigrateTelemetry bool

	Policy  fleet.Policy
	Workers int

	// Redis configuration. The candidate cache is disabled when RedisAddr is empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string

	GRPCPort int
	// MetricsPort serves /metrics and /health; zero disables the listener.
	MetricsPort int

	Metrics   *metrics.BackendMetrics
	MQMetrics *metrics.MQMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.MetricsPort < 0 {
		return nil, errors.New("metrics port cannot be negative")
	}

	if cfg.Table == "" {
		cfg.Table = DefaultTelemetryTable
	}

	if err := ValidateTableName(cfg.Table); err != nil {
		return nil, err
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.init(ctx); err != nil {
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			s.logger.Error("cleanup after failed start", "error", shutdownErr)
		}
		return err
	}

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	serveErr := make(chan error, 2)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	if s.metricsServer != nil {
		s.logger.Info("starting metrics listener", "address", s.metricsServer.Addr)
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	s.logger.Info("backend server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("listener failed", "error", err)
		runErr = err
	}
	cancel()

	if err := s.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// init builds every dependency in start order.
func (s *Server) init(ctx context.Context) error {
	db, err := NewDB(&DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if s.config.MigrateTelemetry {
		if err := MigrateTelemetry(db, s.config.Table, true); err != nil {
			return fmt.Errorf("failed to migrate telemetry table: %w", err)
		}
	}

	s.logger.Info("database initialized successfully", "table", s.config.Table)

	telemetryStore, err := NewTelemetryStore(&TelemetryStoreConfig{
		Logger:  logger.Component(s.logger, "telemetry-store"),
		DB:      db,
		Table:   s.config.Table,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry store: %w", err)
	}

	tallyStore, err := NewTallyStore(s.logger, db, s.config.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize tally store: %w", err)
	}

	var rankingCache fleet.RankingCache
	if s.config.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, &cache.Config{
			Logger:   logger.Component(s.logger, "cache"),
			Addr:     s.config.RedisAddr,
			Password: s.config.RedisPassword,
			DB:       s.config.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		s.cache = rc
		rankingCache = rc
	} else {
		s.logger.Info("ranking cache disabled")
	}

	ranker, err := fleet.NewRanker(&fleet.RankerConfig{
		Logger:    logger.Component(s.logger, "ranker"),
		Telemetry: telemetryStore,
		Tally:     tallyStore,
		Policy:    s.config.Policy,
		Cache:     rankingCache,
		CacheTTL:  s.config.CacheTTL,
		Workers:   s.config.Workers,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize ranker: %w", err)
	}
	s.ranker = ranker

	updater, err := fleet.NewTallyUpdater(&fleet.TallyUpdaterConfig{
		Logger:    logger.Component(s.logger, "tally"),
		Telemetry: telemetryStore,
		Tally:     tallyStore,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tally updater: %w", err)
	}

	mqClient, err := mq.New(&mq.Config{
		Logger:   logger.Component(s.logger, "mq"),
		URL:      s.config.RabbitMQURL,
		Queue:    s.config.QueueName,
		Durable:  true,
		Prefetch: 1,
		Metrics:  s.config.MQMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize mq client: %w", err)
	}
	s.mqClient = mqClient

	consumer, err := NewConsumer(&ConsumerConfig{
		Logger:    logger.Component(s.logger, "consumer"),
		Client:    mqClient,
		Processor: updater,
		Queue:     s.config.QueueName,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	service, err := NewFleetService(s.logger, ranker, updater, s.config.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC service: %w", err)
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(s.logger)))
	fleetrpc.RegisterFleetServer(s.grpcServer, service)

	if s.config.MetricsPort > 0 {
		db := s.db
		mux := metrics.NewServeMux(func(ctx context.Context) error {
			if err := Ping(ctx, db); err != nil {
				s.logger.Warn("health check failed", "error", err)
				return errors.New("database unavailable")
			}
			return nil
		})
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var errs []error

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
		s.logger.Info("gRPC server stopped")
	}

	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown error: %w", err))
		}
		cancel()
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("consumer shutdown error: %w", err))
		}
	} else if s.mqClient != nil {
		if err := s.mqClient.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			errs = append(errs, fmt.Errorf("mq client close error: %w", err))
		}
	}

	if s.ranker != nil {
		s.ranker.Close()
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close error: %w", err))
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := CloseDB(s.db, s.logger); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}
