package bus_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
)

/*
 * Helpers for running the bus manager against a real STOMP broker. RabbitMQ
 * with the web_stomp plugin speaks STOMP over a raw websocket the same way
 * the chat backend does.
 */

const (
	brokerImage    = "rabbitmq:3.13-alpine"
	brokerUser     = "tabline"
	brokerPassword = "tabline-secret"
	webStompPort   = "15674/tcp"
)

// setupBroker starts RabbitMQ with web_stomp enabled and returns the
// websocket URL of its STOMP endpoint.
func setupBroker(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        brokerImage,
		ExposedPorts: []string{webStompPort},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": brokerUser,
			"RABBITMQ_DEFAULT_PASS": brokerPassword,
		},
		Files: []testcontainers.ContainerFile{
			{
				Reader:            strings.NewReader("[rabbitmq_web_stomp].\n"),
				ContainerFilePath: "/etc/rabbitmq/enabled_plugins",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort(webStompPort),
		).WithDeadline(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start broker container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, webStompPort)
	require.NoError(t, err)

	url := fmt.Sprintf("ws://%s:%s/ws", host, port.Port())
	t.Logf("broker listening at %s", url)

	cleanup := func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate broker: %v", err)
		}
	}
	return url, cleanup
}

// newManager returns a manager that authenticates to RabbitMQ with
// login/passcode. The bearer header is still sent and ignored by the broker.
func newManager(t *testing.T, url string) *bus.Manager {
	t.Helper()

	m := bus.NewManager(brokerConfig(url, brokerPassword))
	t.Cleanup(m.Disconnect)
	return m
}

func brokerConfig(url, passcode string) bus.Config {
	return bus.Config{
		URL:                  url,
		Host:                 "/",
		Heartbeat:            -1,
		ReconnectDelay:       100 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"v12.stomp"},
		},
		ConnectHeaders: map[string]string{
			"login":    brokerUser,
			"passcode": passcode,
		},
		Logger: slogx.Discard(),
	}
}

func receive(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a message")
		return bus.Message{}
	}
}
