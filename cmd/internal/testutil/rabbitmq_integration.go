//go:build integration

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	rabbitImage          = "rabbitmq:3-management-alpine"
	rabbitAlias          = "rabbitmq"
	rabbitStartupTimeout = 90 * time.Second
)

type RabbitMQContainer struct {
	Container *tcrabbit.RabbitMQContainer
	// URL is reachable from the test process.
	URL string
	// ContainerURL is reachable from containers attached to the same network.
	ContainerURL string
}

// StartRabbitMQContainer starts a broker attached to net under the "rabbitmq" alias.
func StartRabbitMQContainer(t *testing.T, ctx context.Context, net *testcontainers.DockerNetwork) RabbitMQContainer {
	t.Helper()

	container, err := tcrabbit.Run(ctx,
		rabbitImage,
		network.WithNetwork([]string{rabbitAlias}, net),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(rabbitStartupTimeout),
		),
	)
	if err != nil {
		t.Skipf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	url, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("resolve amqp url: %v", err)
	}

	return RabbitMQContainer{
		Container:    container,
		URL:          url,
		ContainerURL: "amqp://" + container.AdminUsername + ":" + container.AdminPassword + "@" + rabbitAlias + ":5672/",
	}
}
