package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/namespace"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

func testNamespace(alias string) namespace.Info {
	return namespace.Info{
		Alias:            alias,
		ConnectionString: namespace.MustParseConnectionString("Endpoint=sb://" + alias + ".servicebus.windows.net/;SharedAccessKeyName=p;SharedAccessKey=k"),
	}
}

func newChannelClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	c := NewClient(testNamespace("primary"), Transport{Publisher: ps, Subscriber: ps}, nil, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func queue(c *Client, path string) topology.EntityAddress {
	return topology.EntityAddress{Path: path, Type: topology.Queue, Namespace: c.Namespace()}
}

func receiveOne(t *testing.T, r broker.MessageReceiver) *broker.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg, "no message received")
	return msg
}

func send(t *testing.T, c *Client, dest topology.EntityAddress, msgs ...*broker.OutgoingMessage) {
	t.Helper()
	s, err := c.CreateSender(context.Background(), dest)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), msgs))
	require.NoError(t, s.Close())
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "orders", want: "orders"},
		{path: "sales.events", want: "sales.events"},
		{path: "sales.events/subscriptions/billing", want: "sales.events"},
		{path: "tenants/acme", want: "tenants.acme"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicName(tt.path))
		})
	}
}

func TestClient_PeekLockComplete(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	orders := queue(c, "orders")

	r, err := c.CreateReceiver(context.Background(), orders, broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	scheduled := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	send(t, c, orders.WithVia("input"), &broker.OutgoingMessage{
		ID:                   "m1",
		Body:                 []byte(`{"id":1}`),
		Headers:              metadata.Metadata{"tenant": "acme"},
		TimeToLive:           time.Hour,
		ScheduledEnqueueTime: scheduled,
	})

	msg := receiveOne(t, r)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, []byte(`{"id":1}`), msg.Body)
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.NotEmpty(t, msg.LockToken)
	assert.False(t, msg.EnqueuedAt.IsZero())
	assert.Equal(t, "acme", msg.Headers["tenant"])
	assert.Equal(t, "orders", msg.Headers[metadata.Destination])
	assert.Equal(t, "input", msg.Headers[metadata.Via])
	assert.Equal(t, "1h0m0s", msg.Headers[metadata.TimeToLive])
	assert.Equal(t, strconv.FormatInt(scheduled.UnixMilli(), 10), msg.Headers[metadata.ScheduledAt])

	require.NoError(t, r.Complete(context.Background(), msg.LockToken))
	assert.ErrorIs(t, r.Complete(context.Background(), msg.LockToken), broker.ErrLockLost)
	assert.ErrorIs(t, r.Abandon(context.Background(), "unknown"), broker.ErrLockLost)
}

func TestClient_AbandonRedelivers(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	orders := queue(c, "orders")

	r, err := c.CreateReceiver(context.Background(), orders, broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	send(t, c, orders, &broker.OutgoingMessage{ID: "m1", Body: []byte("a")})

	first := receiveOne(t, r)
	require.NoError(t, r.Abandon(context.Background(), first.LockToken))

	second := receiveOne(t, r)
	assert.Equal(t, "m1", second.ID)
	assert.Equal(t, 2, second.DeliveryCount)
	assert.NotEqual(t, first.LockToken, second.LockToken)
	require.NoError(t, r.Complete(context.Background(), second.LockToken))
}

func TestClient_LockExpiry(t *testing.T) {
	c := newChannelClient(t, ClientOptions{LockDuration: 100 * time.Millisecond})
	orders := queue(c, "orders")

	r, err := c.CreateReceiver(context.Background(), orders, broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	send(t, c, orders, &broker.OutgoingMessage{ID: "m1", Body: []byte("a")})

	first := receiveOne(t, r)
	second := receiveOne(t, r)
	assert.Equal(t, "m1", second.ID)
	assert.Equal(t, 2, second.DeliveryCount)

	assert.ErrorIs(t, r.Complete(context.Background(), first.LockToken), broker.ErrLockLost)
	require.NoError(t, r.Complete(context.Background(), second.LockToken))
}

func TestClient_ReceiveAndDelete(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	orders := queue(c, "orders")

	r, err := c.CreateReceiver(context.Background(), orders, broker.ReceiveAndDelete)
	require.NoError(t, err)
	defer r.Close()

	send(t, c, orders,
		&broker.OutgoingMessage{ID: "m1", Body: []byte("a")},
		&broker.OutgoingMessage{ID: "m2", Body: []byte("b")},
	)

	first := receiveOne(t, r)
	assert.Empty(t, first.LockToken)
	assert.Equal(t, 1, first.DeliveryCount)

	second := receiveOne(t, r)
	assert.Empty(t, second.LockToken)
	assert.ElementsMatch(t, []string{"m1", "m2"}, []string{first.ID, second.ID})
}

func TestClient_ReceiveWithoutMessage(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})

	r, err := c.CreateReceiver(context.Background(), queue(c, "orders"), broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, err := r.Receive(ctx)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestClient_ReceiverClose(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	orders := queue(c, "orders")

	r, err := c.CreateReceiver(context.Background(), orders, broker.PeekLock)
	require.NoError(t, err)

	send(t, c, orders, &broker.OutgoingMessage{ID: "m1", Body: []byte("a")})
	msg := receiveOne(t, r)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Complete(context.Background(), msg.LockToken), broker.ErrReleased)
	_, err = r.Receive(context.Background())
	assert.ErrorIs(t, err, broker.ErrReleased)
}

func TestClient_SubscriptionsFanOut(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	ns := c.Namespace()
	topic := topology.EntityAddress{Path: "sales.events", Type: topology.Topic, Namespace: ns}

	var receivers []broker.MessageReceiver
	for _, sub := range []string{"billing", "shipping"} {
		path := topology.SubscriptionPath(topic.Path, sub)
		r, err := c.CreateReceiver(context.Background(), topology.EntityAddress{Path: path, Type: topology.Subscription, Namespace: ns}, broker.ReceiveAndDelete)
		require.NoError(t, err)
		defer r.Close()
		receivers = append(receivers, r)
	}

	send(t, c, topic, &broker.OutgoingMessage{ID: "e1", Body: []byte("event")})

	for _, r := range receivers {
		assert.Equal(t, "e1", receiveOne(t, r).ID)
	}
}

func TestClient_SubscriberPerSubscription(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	var requested []string
	subscribers := map[string]*countingSubscriber{}
	c := NewClient(testNamespace("primary"), Transport{
		Publisher:  ps,
		Subscriber: ps,
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			requested = append(requested, subscription)
			sub := &countingSubscriber{Subscriber: ps, pending: 3}
			subscribers[subscription] = sub
			return sub, nil
		},
	}, nil, ClientOptions{})
	ns := c.Namespace()

	entity := func(sub string) topology.EntityAddress {
		return topology.EntityAddress{Path: topology.SubscriptionPath("sales.events", sub), Type: topology.Subscription, Namespace: ns}
	}

	for _, sub := range []string{"billing", "shipping", "Billing"} {
		r, err := c.CreateReceiver(context.Background(), entity(sub), broker.ReceiveAndDelete)
		require.NoError(t, err)
		defer r.Close()
	}
	_, err := c.CreateReceiver(context.Background(), queue(c, "orders"), broker.ReceiveAndDelete)
	require.NoError(t, err)

	assert.Equal(t, []string{"billing", "shipping"}, requested)
	assert.Equal(t, []string{"sales.events", "sales.events"}, subscribers["billing"].topics)

	count, err := c.MessageCount(context.Background(), entity("shipping"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, subscribers["billing"].closed)
	assert.Equal(t, 1, subscribers["shipping"].closed)

	_, err = c.CreateReceiver(context.Background(), entity("audit"), broker.PeekLock)
	assert.ErrorIs(t, err, broker.ErrReleased)
}

func TestClient_ScheduledDelivery(t *testing.T) {
	t.Run("held until due without native delay", func(t *testing.T) {
		c := newChannelClient(t, ClientOptions{Capabilities: ChannelCapabilities})
		orders := queue(c, "orders")
		r, err := c.CreateReceiver(context.Background(), orders, broker.ReceiveAndDelete)
		require.NoError(t, err)
		defer r.Close()

		due := time.Now().Add(200 * time.Millisecond)
		send(t, c, orders,
			&broker.OutgoingMessage{ID: "later", Body: []byte("later"), ScheduledEnqueueTime: due},
			&broker.OutgoingMessage{ID: "now", Body: []byte("now")},
		)
		assert.Equal(t, 1, c.Scheduled())
		assert.Equal(t, "now", receiveOne(t, r).ID)

		msg := receiveOne(t, r)
		assert.Equal(t, "later", msg.ID)
		assert.False(t, time.Now().Before(due), "delivered before its scheduled time")
		assert.Zero(t, c.Scheduled())
	})

	t.Run("native delay publishes right away", func(t *testing.T) {
		c := newChannelClient(t, ClientOptions{Capabilities: Capabilities{Name: "delaying", SupportsDelay: true}})
		orders := queue(c, "orders")
		r, err := c.CreateReceiver(context.Background(), orders, broker.ReceiveAndDelete)
		require.NoError(t, err)
		defer r.Close()

		send(t, c, orders, &broker.OutgoingMessage{ID: "later", ScheduledEnqueueTime: time.Now().Add(time.Hour)})
		assert.Zero(t, c.Scheduled())
		assert.NotEmpty(t, receiveOne(t, r).Headers[metadata.ScheduledAt])
	})

	t.Run("close publishes held messages", func(t *testing.T) {
		pub := &recordingPublisher{}
		c := NewClient(testNamespace("primary"), Transport{Publisher: pub}, nil, ClientOptions{})
		send(t, c, queue(c, "orders"), &broker.OutgoingMessage{ID: "later", ScheduledEnqueueTime: time.Now().Add(time.Hour)})
		assert.Empty(t, pub.ids())

		require.NoError(t, c.Close())
		assert.Equal(t, []string{"later"}, pub.ids())
		assert.Zero(t, c.Scheduled())
	})
}

func TestClient_DropsExpiredMessages(t *testing.T) {
	c := newChannelClient(t, ClientOptions{})
	orders := queue(c, "orders")
	r, err := c.CreateReceiver(context.Background(), orders, broker.PeekLock)
	require.NoError(t, err)
	defer r.Close()

	send(t, c, orders, &broker.OutgoingMessage{ID: "stale", Body: []byte("stale"), TimeToLive: time.Millisecond})
	time.Sleep(10 * time.Millisecond)
	send(t, c, orders, &broker.OutgoingMessage{ID: "fresh", Body: []byte("fresh"), TimeToLive: time.Hour})

	msg := receiveOne(t, r)
	assert.Equal(t, "fresh", msg.ID)
	require.NoError(t, r.Complete(context.Background(), msg.LockToken))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "expired message must not be redelivered")
}

func TestExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		ttl      string
		enqueued time.Time
		want     bool
	}{
		{name: "no ttl", enqueued: now.Add(-time.Hour)},
		{name: "unknown enqueue time", ttl: "1s"},
		{name: "within ttl", ttl: "1m0s", enqueued: now.Add(-time.Second)},
		{name: "past ttl", ttl: "1s", enqueued: now.Add(-time.Minute), want: true},
		{name: "malformed ttl", ttl: "soon", enqueued: now.Add(-time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := metadata.Metadata{}
			if tt.ttl != "" {
				headers[metadata.TimeToLive] = tt.ttl
			}
			assert.Equal(t, tt.want, expired(headers, tt.enqueued, now))
		})
	}
}

type countingSubscriber struct {
	message.Subscriber
	topics  []string
	pending int64
	closed  int
}

func (s *countingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.topics = append(s.topics, topic)
	return s.Subscriber.Subscribe(ctx, topic)
}

func (s *countingSubscriber) GetPendingCount(string) (int64, error) { return s.pending, nil }

func (s *countingSubscriber) Close() error {
	s.closed++
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*message.Message
}

func (p *recordingPublisher) Publish(_ string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.published {
		out = append(out, m.Metadata.Get(metadata.MessageID))
	}
	return out
}

func TestClient_SenderLimits(t *testing.T) {
	c := newChannelClient(t, ClientOptions{Capabilities: Capabilities{Name: "channel", MaxMessageSize: 10}})

	s, err := c.CreateSender(context.Background(), queue(c, "orders"))
	require.NoError(t, err)

	assert.NoError(t, s.Send(context.Background(), nil))

	err = s.Send(context.Background(), []*broker.OutgoingMessage{{ID: "m1", Body: []byte("0123456789")}})
	assert.ErrorIs(t, err, errspkg.ErrMessageTooLarge)
	assert.ErrorContains(t, err, "message m1 is 12 bytes")
}

func TestClient_MissingSides(t *testing.T) {
	c := NewClient(testNamespace("primary"), Transport{}, nil, ClientOptions{})
	entity := queue(c, "orders")

	_, err := c.CreateReceiver(context.Background(), entity, broker.PeekLock)
	assert.ErrorIs(t, err, broker.ErrMessaging)

	_, err = c.CreateSender(context.Background(), entity)
	assert.ErrorIs(t, err, broker.ErrMessaging)
}

type countingPubSub struct {
	mockPublisher
	pending map[string]int64
}

func (c *countingPubSub) GetPendingCount(topic string) (int64, error) {
	return c.pending[topic], nil
}

func TestClient_MessageCount(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		c := newChannelClient(t, ClientOptions{})
		_, err := c.MessageCount(context.Background(), queue(c, "orders"))
		assert.ErrorIs(t, err, errors.ErrUnsupported)
	})

	t.Run("introspecting publisher", func(t *testing.T) {
		pub := &countingPubSub{pending: map[string]int64{"sales.events": 7}}
		c := NewClient(testNamespace("primary"), Transport{Publisher: pub}, nil, ClientOptions{})

		entity := topology.EntityAddress{Path: "sales.events/subscriptions/billing", Namespace: c.Namespace()}
		count, err := c.MessageCount(context.Background(), entity)
		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
	})
}

func TestOpen(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("kafka", mockBuilder, KafkaCapabilities)

	t.Run("fills capabilities", func(t *testing.T) {
		c, err := Open(context.Background(), reg, testNamespace("primary"), &mockConfig{backend: "Kafka"}, nil, ClientOptions{})
		require.NoError(t, err)
		assert.Equal(t, KafkaCapabilities, c.Capabilities())
		assert.Equal(t, "primary", c.Namespace().Alias)
		assert.Equal(t, DefaultLockDuration, c.opts.LockDuration)
	})

	t.Run("keeps explicit capabilities", func(t *testing.T) {
		caps := Capabilities{Name: "custom"}
		c, err := Open(context.Background(), reg, testNamespace("primary"), &mockConfig{backend: "kafka"}, nil, ClientOptions{Capabilities: caps})
		require.NoError(t, err)
		assert.Equal(t, caps, c.Capabilities())
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(context.Background(), reg, testNamespace("audit"), &mockConfig{backend: "nats"}, nil, ClientOptions{})
		assert.ErrorIs(t, err, errspkg.ErrUnknownType)
		assert.ErrorContains(t, err, "namespace audit")
	})
}
