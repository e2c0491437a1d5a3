package testcontainers

import (
	"context"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds configuration for the Redis test container.
type RedisConfig struct {
	// Image defaults to redis:7-alpine.
	Image         string
	ContainerName string
}

// StartRedis starts a Redis container and returns it with its host:port address.
func StartRedis(ctx context.Context, config *RedisConfig) (testcontainers.Container, string, error) {
	image, name := "redis:7-alpine", ""
	if config != nil {
		name = config.ContainerName
		if config.Image != "" {
			image = config.Image
		}
	}

	return start(ctx, "Redis", testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		Name: name,
	})
}
