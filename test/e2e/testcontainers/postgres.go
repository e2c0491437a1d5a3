package testcontainers

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultTimescaleImage is a PostgreSQL image with the timescaledb extension preinstalled.
const DefaultTimescaleImage = "timescale/timescaledb:latest-pg16"

// PostgresConfig holds configuration for the TimescaleDB test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: postgres)
	User string
	// Password is the PostgreSQL password (default: postgres)
	Password string
	// Database is the database name (default: testdb)
	Database string
	// Image overrides DefaultTimescaleImage.
	Image string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

func (c *PostgresConfig) withDefaults() *PostgresConfig {
	out := PostgresConfig{}
	if c != nil {
		out = *c
	}
	if out.User == "" {
		out.User = "postgres"
	}
	if out.Password == "" {
		out.Password = "postgres"
	}
	if out.Database == "" {
		out.Database = "testdb"
	}
	if out.Image == "" {
		out.Image = DefaultTimescaleImage
	}
	return &out
}

// PostgresInfo is the connection information of a started container.
type PostgresInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the connection info as a libpq keyword string.
func (i PostgresInfo) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		i.Host, i.Port, i.User, i.Password, i.Database)
}

// StartPostgres starts a TimescaleDB container for testing.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, PostgresInfo, error) {
	cfg := config.withDefaults()

	container, endpoint, err := start(ctx, "TimescaleDB", testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"5432/tcp"},
		// The init scripts restart the server once, so the ready line appears twice.
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		Name: cfg.ContainerName,
	})
	if err != nil {
		return nil, PostgresInfo{}, err
	}

	host, rawPort, err := net.SplitHostPort(endpoint)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, PostgresInfo{}, fmt.Errorf("parse TimescaleDB endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, PostgresInfo{}, fmt.Errorf("parse TimescaleDB port %q: %w", rawPort, err)
	}

	return container, PostgresInfo{
		Host:     host,
		Port:     port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
	}, nil
}
