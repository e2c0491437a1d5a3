// Package testcontainers starts the infrastructure containers used by the e2e suites.
package testcontainers

import (
	"context"
	"errors"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// start runs req and returns the container with the host:port of its single
// exposed port. The container is terminated when the endpoint cannot be resolved.
func start(ctx context.Context, name string, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	if len(req.ExposedPorts) != 1 {
		return nil, "", fmt.Errorf("%s container must expose exactly one port", name)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start %s container: %w", name, err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		err = fmt.Errorf("failed to resolve %s endpoint: %w", name, err)
		if termErr := container.Terminate(ctx); termErr != nil {
			err = errors.Join(err, fmt.Errorf("cleanup: %w", termErr))
		}
		return nil, "", err
	}

	return container, endpoint, nil
}
