package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultRabbitMQImage carries the tally trigger queue in e2e runs.
const DefaultRabbitMQImage = "rabbitmq:3-alpine"

// RabbitMQConfig holds configuration for the RabbitMQ test container.
type RabbitMQConfig struct {
	// User and Password default to guest/guest.
	User     string
	Password string
	// Image overrides DefaultRabbitMQImage.
	Image         string
	ContainerName string
}

// StartRabbitMQ starts a RabbitMQ broker and returns its AMQP URL.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	cfg := RabbitMQConfig{User: "guest", Password: "guest", Image: DefaultRabbitMQImage}
	if config != nil {
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
		if config.Image != "" {
			cfg.Image = config.Image
		}
	}

	container, endpoint, err := start(ctx, "RabbitMQ", testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5672/tcp"),
			wait.ForLog("Server startup complete"),
		),
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": cfg.User,
			"RABBITMQ_DEFAULT_PASS": cfg.Password,
		},
		Name: cfg.ContainerName,
	})
	if err != nil {
		return nil, "", err
	}

	return container, fmt.Sprintf("amqp://%s:%s@%s/", cfg.User, cfg.Password, endpoint), nil
}
