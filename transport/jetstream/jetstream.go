// Package jetstream provides the NATS JetStream backend. It is the backend
// closest to peek-lock: messages are pulled from a durable consumer per
// entity, acked on complete, nacked on abandon and redelivered by the server
// once the ack wait elapses.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the namespace sets no stream.
	DefaultStreamName = "SBFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 10

	// DefaultAckWait must exceed the client lock duration so the server
	// does not redeliver a message that is still locked.
	DefaultAckWait = 2 * transport.DefaultLockDuration

	// DefaultMaxAckPending bounds the unacknowledged messages per consumer.
	DefaultMaxAckPending = 256

	fetchBatch = 10
	fetchWait  = time.Second
)

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetNATSURL() == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	t, err := New(Config{URL: cfg.GetNATSURL(), StreamName: cfg.GetJetStreamStream()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		// Durable consumers per subscription give each subscribing
		// endpoint its own copy of the stream.
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			return t.ForSubscription(subscription), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL string

	// StreamName is the JetStream stream holding every entity subject.
	StreamName string

	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements watermill's Publisher and Subscriber on JetStream
// and reports pending counts per topic.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

var _ transport.QueueIntrospector = (*Transport)(nil)

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the subject of topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errors.New("jetstream: transport is closed")
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}
		if _, err := t.js.PublishMsg(natsMsg, nats.MsgId(messageID(msg))); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe pulls messages of topic from a durable consumer. Each message
// is acked or nacked on the server when the receiver settles it.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return t.subscribe(ctx, topic, topicToConsumer(topic))
}

func (t *Transport) subscribe(ctx context.Context, topic, consumerName string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errors.New("jetstream: transport is closed")
	}

	subject := t.topicToSubject(topic)
	output := make(chan *message.Message)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		MaxAckPending: t.config.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", consumerName, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName, nats.Bind(t.config.StreamName, consumerName))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	t.subMu.Lock()
	t.subscriptions[consumerName] = sub
	t.subMu.Unlock()

	go t.fetchMessages(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if delay := remainingDelay(natsMsg.Header.Get(metadata.ScheduledAt)); delay > 0 {
				if err := natsMsg.NakWithDelay(delay); err != nil {
					t.logger.Error("Failed to delay scheduled message", err, watermill.LogFields{"topic": topic})
				}
				continue
			}

			wmMsg := natsToWatermill(natsMsg)
			select {
			case output <- wmMsg:
				go t.settle(ctx, natsMsg, wmMsg)
			case <-ctx.Done():
				_ = natsMsg.Nak()
				return
			}
		}
	}
}

// settle forwards the watermill ack or nack to the server.
func (t *Transport) settle(ctx context.Context, natsMsg *nats.Msg, wmMsg *message.Message) {
	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, nil)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, nil)
		}
	case <-ctx.Done():
		// the server redelivers after the ack wait
	}
}

// GetPendingCount returns the messages waiting for and held by the consumer of topic.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	return t.pendingCount(topic, topicToConsumer(topic))
}

func (t *Transport) pendingCount(topic, consumerName string) (int64, error) {
	info, err := t.js.ConsumerInfo(t.config.StreamName, consumerName)
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("consumer info for %s: %w", topic, err)
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	uuid := natsMsg.Header.Get(metadata.MessageID)
	if uuid == "" {
		uuid = ids.CreateULID()
	}
	wmMsg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) > 0 {
			wmMsg.Metadata.Set(k, v[0])
		}
	}
	if meta, err := natsMsg.Metadata(); err == nil && meta.NumDelivered > 0 {
		wmMsg.Metadata.Set(metadata.DeliveryCount, strconv.FormatUint(meta.NumDelivered-1, 10))
	}
	return wmMsg
}

func messageID(msg *message.Message) string {
	if id := msg.Metadata.Get(metadata.MessageID); id != "" {
		return id
	}
	return msg.UUID
}

func remainingDelay(scheduledAt string) time.Duration {
	ms, err := strconv.ParseInt(scheduledAt, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Until(time.UnixMilli(ms))
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

// topicToConsumer derives a durable name; durable names cannot contain dots.
func topicToConsumer(topic string) string {
	return "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_").Replace(topic)
}

// ForSubscription returns a subscriber reading through durable consumers of
// its own, so every subscription of a topic receives each message.
func (t *Transport) ForSubscription(subscription string) message.Subscriber {
	return &subscriptionConsumer{t: t, subscription: subscription}
}

type subscriptionConsumer struct {
	t            *Transport
	subscription string
}

func (s *subscriptionConsumer) consumer(topic string) string {
	return topicToConsumer(topic + "." + s.subscription)
}

func (s *subscriptionConsumer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.t.subscribe(ctx, topic, s.consumer(topic))
}

func (s *subscriptionConsumer) GetPendingCount(topic string) (int64, error) {
	return s.t.pendingCount(topic, s.consumer(topic))
}

// Close is a no-op; the transport owns the connection.
func (s *subscriptionConsumer) Close() error { return nil }

// Close closes the JetStream transport.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
