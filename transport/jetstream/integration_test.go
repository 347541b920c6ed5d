//go:build integration

package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/namespace"
	"github.com/drblury/sbflow/internal/runtime/topology"
	"github.com/drblury/sbflow/transport"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--js"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func newJetStreamClient(t *testing.T) *transport.Client {
	t.Helper()
	js, err := New(Config{URL: startNATS(t), StreamName: "sbflow_it", AckWait: 2 * time.Second}, nil)
	require.NoError(t, err)

	ns := namespace.Info{
		Alias:            "primary",
		ConnectionString: namespace.MustParseConnectionString("Endpoint=sb://primary.servicebus.windows.net/;SharedAccessKeyName=p;SharedAccessKey=k"),
	}
	c := transport.NewClient(ns, transport.Transport{Publisher: js, Subscriber: js}, nil, transport.ClientOptions{
		LockDuration: 5 * time.Second,
		Capabilities: Capabilities(),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receiveWithin(t *testing.T, r broker.MessageReceiver, d time.Duration) *broker.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg, "no message received")
	return msg
}

func TestJetStreamIntegration(t *testing.T) {
	c := newJetStreamClient(t)
	ctx := context.Background()
	orders := topology.EntityAddress{Path: "orders", Type: topology.Queue, Namespace: c.Namespace()}

	r, err := c.CreateReceiver(ctx, orders, broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	s, err := c.CreateSender(ctx, orders)
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []*broker.OutgoingMessage{
		{ID: "m1", Body: []byte(`{"id":1}`)},
	}))
	require.NoError(t, s.Close())

	first := receiveWithin(t, r, 10*time.Second)
	assert.Equal(t, "m1", first.ID)
	assert.Equal(t, 1, first.DeliveryCount)

	count, err := c.MessageCount(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, r.Abandon(ctx, first.LockToken))
	second := receiveWithin(t, r, 10*time.Second)
	assert.Equal(t, "m1", second.ID)
	assert.Equal(t, 2, second.DeliveryCount)

	require.NoError(t, r.Complete(ctx, second.LockToken))
	require.Eventually(t, func() bool {
		count, err := c.MessageCount(ctx, orders)
		return err == nil && count == 0
	}, 10*time.Second, 100*time.Millisecond)
}
