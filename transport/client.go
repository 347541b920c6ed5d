package transport

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

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/namespace"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// DefaultLockDuration is how long a peek-locked message stays locked before
// it is released back to the backend.
const DefaultLockDuration = 60 * time.Second

// ClientOptions tune a Client.
type ClientOptions struct {
	LockDuration time.Duration
	Capabilities Capabilities
}

// Client is the broker client of one namespace on top of a watermill
// transport. Peek-lock is emulated with lock tokens that map to held
// watermill messages: Complete acks, Abandon nacks, and a lock that is not
// settled within LockDuration is nacked and lost.
//
// On backends without native delayed delivery, messages scheduled for later
// are held by the Client and published when due. Held messages are
// published right away on Close so they are not lost. Messages received
// after their time to live are completed and dropped.
type Client struct {
	namespace namespace.Info
	transport Transport
	logger    watermill.LoggerAdapter
	opts      ClientOptions

	mu          sync.Mutex
	closed      bool
	subscribers map[string]message.Subscriber
	scheduled   map[*scheduledMessage]struct{}
}

type scheduledMessage struct {
	topic string
	msg   *message.Message
	timer *time.Timer
}

var _ broker.ClientFactory = (*Client)(nil)
var _ broker.QueueIntrospector = (*Client)(nil)

func NewClient(ns namespace.Info, t Transport, logger watermill.LoggerAdapter, opts ClientOptions) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	return &Client{
		namespace: ns,
		transport: t,
		logger:    logger.With(watermill.LogFields{"namespace": ns.Alias}),
		opts:      opts,

		subscribers: make(map[string]message.Subscriber),
		scheduled:   make(map[*scheduledMessage]struct{}),
	}
}

// Open builds the namespace transport from the registry and wraps it in a Client.
func Open(ctx context.Context, registry *Registry, ns namespace.Info, cfg Config, logger watermill.LoggerAdapter, opts ClientOptions) (*Client, error) {
	if registry == nil {
		registry = DefaultRegistry
	}
	t, err := registry.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", ns.Alias, err)
	}
	if opts.Capabilities.Name == "" {
		opts.Capabilities = registry.GetCapabilities(strings.ToLower(cfg.GetBackend()))
	}
	return NewClient(ns, t, logger, opts), nil
}

func (c *Client) Namespace() namespace.Info { return c.namespace }

func (c *Client) Capabilities() Capabilities { return c.opts.Capabilities }

// Close publishes held scheduled messages, closes the per-subscription
// subscribers and then the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.scheduled
	subscribers := c.subscribers
	c.scheduled = nil
	c.subscribers = nil
	c.mu.Unlock()

	var errs []error
	for s := range pending {
		s.timer.Stop()
		c.logger.Info("Publishing scheduled message early on close", watermill.LogFields{
			"topic":      s.topic,
			"message_id": s.msg.Metadata.Get(metadata.MessageID),
		})
		if err := c.publishNow(s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sub := range subscribers {
		errs = append(errs, sub.Close())
	}
	errs = append(errs, c.transport.Close())
	return errors.Join(errs...)
}

// TopicName maps an entity path to the watermill topic carrying it.
// Subscriptions read from their topic, so every subscription of a topic
// receives its own copy on fan-out backends.
func TopicName(path string) string {
	if topic, _, ok := topology.SplitSubscriptionPath(path); ok {
		path = topic
	}
	return strings.ReplaceAll(path, "/", ".")
}

func (c *Client) CreateReceiver(ctx context.Context, entity topology.EntityAddress, mode broker.ReceiveMode) (broker.MessageReceiver, error) {
	if c.transport.Subscriber == nil {
		return nil, fmt.Errorf("%w: namespace %s has no subscriber", broker.ErrMessaging, c.namespace.Alias)
	}
	subscriber, err := c.subscriberFor(entity)
	if err != nil {
		return nil, err
	}
	topic := TopicName(entity.Path)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe to %s: %w", broker.ErrMessaging, topic, err)
	}
	return &receiver{
		entity:   entity,
		topic:    topic,
		mode:     mode,
		lockFor:  c.opts.LockDuration,
		logger:   c.logger.With(watermill.LogFields{"entity": entity.Path}),
		messages: messages,
		cancel:   cancel,
		done:     make(chan struct{}),
		locks:    make(map[string]*lock),

		deliveries: make(map[string]int),
	}, nil
}

func (c *Client) CreateSender(_ context.Context, destination topology.EntityAddress) (broker.MessageSender, error) {
	if c.transport.Publisher == nil {
		return nil, fmt.Errorf("%w: namespace %s has no publisher", broker.ErrMessaging, c.namespace.Alias)
	}
	return &sender{
		client:      c,
		publisher:   c.transport.Publisher,
		destination: destination,
		topic:       TopicName(destination.Path),
		maxSize:     int(c.opts.Capabilities.MaxMessageSize),
	}, nil
}

// MessageCount asks the backend for the pending count of the entity topic.
// Backends that cannot count report errors.ErrUnsupported.
func (c *Client) MessageCount(_ context.Context, entity topology.EntityAddress) (int64, error) {
	topic := TopicName(entity.Path)
	candidates := []any{c.transport.Subscriber, c.transport.Publisher}
	if _, _, ok := topology.SplitSubscriptionPath(entity.Path); ok && c.transport.SubscriberFor != nil {
		sub, err := c.subscriberFor(entity)
		if err != nil {
			return 0, err
		}
		candidates = []any{sub}
	}
	for _, candidate := range candidates {
		if qi, ok := candidate.(QueueIntrospector); ok {
			return qi.GetPendingCount(topic)
		}
	}
	return 0, fmt.Errorf("message count of %s on %s: %w", topic, c.namespace.Alias, errors.ErrUnsupported)
}

// subscriberFor returns the subscriber reading entity. Subscriptions get a
// subscriber of their own when the backend needs one to fan out.
func (c *Client) subscriberFor(entity topology.EntityAddress) (message.Subscriber, error) {
	_, name, ok := topology.SplitSubscriptionPath(entity.Path)
	if !ok || c.transport.SubscriberFor == nil {
		return c.transport.Subscriber, nil
	}
	key := strings.ToLower(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrReleased
	}
	if sub, ok := c.subscribers[key]; ok {
		return sub, nil
	}
	sub, err := c.transport.SubscriberFor(name)
	if err != nil {
		return nil, fmt.Errorf("%w: subscriber for %s: %w", broker.ErrMessaging, entity.Path, err)
	}
	c.subscribers[key] = sub
	return sub, nil
}

// schedule holds msg until at and publishes it then.
func (c *Client) schedule(topic string, msg *message.Message, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrReleased
	}
	s := &scheduledMessage{topic: topic, msg: msg}
	s.timer = time.AfterFunc(time.Until(at), func() { c.publishDue(s) })
	c.scheduled[s] = struct{}{}
	return nil
}

func (c *Client) publishDue(s *scheduledMessage) {
	c.mu.Lock()
	_, ok := c.scheduled[s]
	delete(c.scheduled, s)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.publishNow(s); err != nil {
		c.logger.Error("Failed to publish scheduled message", err, watermill.LogFields{
			"topic":      s.topic,
			"message_id": s.msg.Metadata.Get(metadata.MessageID),
		})
	}
}

func (c *Client) publishNow(s *scheduledMessage) error {
	s.msg.Metadata.Set(metadata.EnqueuedAt, strconv.FormatInt(time.Now().UnixMilli(), 10))
	if err := c.transport.Publisher.Publish(s.topic, s.msg); err != nil {
		return fmt.Errorf("%w: publish scheduled message to %s: %w", broker.ErrMessaging, s.topic, err)
	}
	return nil
}

// Scheduled returns how many messages are held for later delivery.
func (c *Client) Scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scheduled)
}

type lock struct {
	msg   *message.Message
	timer *time.Timer
}

type receiver struct {
	entity  topology.EntityAddress
	topic   string
	mode    broker.ReceiveMode
	lockFor time.Duration
	logger  watermill.LoggerAdapter

	messages <-chan *message.Message
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	locks  map[string]*lock
	closed bool

	// deliveries counts redeliveries of the same watermill message
	deliveries map[string]int
}

func (r *receiver) Receive(ctx context.Context) (*broker.Message, error) {
	for {
		select {
		case <-r.done:
			return nil, broker.ErrReleased
		case <-ctx.Done():
			return nil, nil
		case msg, ok := <-r.messages:
			if !ok {
				return nil, fmt.Errorf("%w: subscription to %s ended", broker.ErrReleased, r.topic)
			}
			out, err := r.accept(msg)
			if out == nil && err == nil {
				continue
			}
			return out, err
		}
	}
}

// accept turns msg into a broker message. It returns nil, nil when msg
// expired and was dropped.
func (r *receiver) accept(msg *message.Message) (*broker.Message, error) {
	headers := metadata.FromWatermill(msg.Metadata)
	out := &broker.Message{
		ID:         headers[metadata.MessageID],
		Body:       msg.Payload,
		Headers:    headers,
		EnqueuedAt: parseUnixMilli(headers[metadata.EnqueuedAt]),
	}
	if out.ID == "" {
		out.ID = msg.UUID
	}
	if expired(headers, out.EnqueuedAt, time.Now()) {
		msg.Ack()
		r.logger.Info("Dropped expired message", watermill.LogFields{
			"message_id": out.ID,
			"ttl":        headers[metadata.TimeToLive],
		})
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		msg.Nack()
		return nil, broker.ErrReleased
	}
	r.deliveries[msg.UUID]++
	out.DeliveryCount = max(headers.Int(metadata.DeliveryCount, 0)+1, r.deliveries[msg.UUID])

	if r.mode == broker.ReceiveAndDelete {
		delete(r.deliveries, msg.UUID)
		msg.Ack()
		return out, nil
	}

	token := ids.CreateULID()
	l := &lock{msg: msg}
	l.timer = time.AfterFunc(r.lockFor, func() { r.expire(token) })
	r.locks[token] = l
	out.LockToken = token
	return out, nil
}

func (r *receiver) take(token string) (*lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, broker.ErrReleased
	}
	l, ok := r.locks[token]
	if !ok {
		return nil, fmt.Errorf("token %s on %s: %w", token, r.entity.Path, broker.ErrLockLost)
	}
	delete(r.locks, token)
	l.timer.Stop()
	return l, nil
}

func (r *receiver) forget(msg *message.Message) {
	r.mu.Lock()
	delete(r.deliveries, msg.UUID)
	r.mu.Unlock()
}

func (r *receiver) Complete(_ context.Context, token string) error {
	l, err := r.take(token)
	if err != nil {
		return err
	}
	if !l.msg.Ack() {
		return fmt.Errorf("token %s on %s: %w", token, r.entity.Path, broker.ErrLockLost)
	}
	r.forget(l.msg)
	return nil
}

func (r *receiver) Abandon(_ context.Context, token string) error {
	l, err := r.take(token)
	if err != nil {
		return err
	}
	if !l.msg.Nack() {
		return fmt.Errorf("token %s on %s: %w", token, r.entity.Path, broker.ErrLockLost)
	}
	return nil
}

func (r *receiver) expire(token string) {
	r.mu.Lock()
	l, ok := r.locks[token]
	delete(r.locks, token)
	r.mu.Unlock()
	if !ok {
		return
	}
	l.msg.Nack()
	r.logger.Info("Message lock expired", watermill.LogFields{
		"message_id": l.msg.UUID,
		"lock_token": token,
	})
}

// Close releases every held lock and ends the subscription.
func (r *receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	held := r.locks
	r.locks = map[string]*lock{}
	close(r.done)
	r.mu.Unlock()

	for _, l := range held {
		l.timer.Stop()
		l.msg.Nack()
	}
	r.cancel()
	return nil
}

type sender struct {
	client      *Client
	publisher   message.Publisher
	destination topology.EntityAddress
	topic       string
	maxSize     int
}

func (s *sender) Send(ctx context.Context, batch []*broker.OutgoingMessage) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now()
	emulateDelay := s.client.opts.Capabilities.RequiresDelayEmulation()
	msgs := make([]*message.Message, 0, len(batch))
	var later []*broker.OutgoingMessage
	for _, out := range batch {
		if s.maxSize > 0 && out.Size() > s.maxSize {
			return fmt.Errorf("%w: message %s is %d bytes, %s accepts %d",
				errspkg.ErrMessageTooLarge, out.ID, out.Size(), s.topic, s.maxSize)
		}
		if emulateDelay && out.ScheduledEnqueueTime.After(now) {
			later = append(later, out)
			continue
		}
		msgs = append(msgs, s.toWatermill(ctx, out, now))
	}
	for _, out := range later {
		msg := s.toWatermill(context.WithoutCancel(ctx), out, now)
		if err := s.client.schedule(s.topic, msg, out.ScheduledEnqueueTime); err != nil {
			return fmt.Errorf("schedule message %s on %s: %w", out.ID, s.topic, err)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.publisher.Publish(s.topic, msgs...); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", broker.ErrMessaging, s.topic, err)
	}
	return nil
}

func (s *sender) toWatermill(ctx context.Context, out *broker.OutgoingMessage, now time.Time) *message.Message {
	msg := message.NewMessage(watermill.NewULID(), out.Body)
	msg.Metadata = metadata.ToWatermill(out.Headers)
	msg.Metadata.Set(metadata.MessageID, out.ID)
	msg.Metadata.Set(metadata.EnqueuedAt, strconv.FormatInt(now.UnixMilli(), 10))
	msg.Metadata.Set(metadata.Destination, s.destination.Path)
	if s.destination.Via != "" {
		msg.Metadata.Set(metadata.Via, s.destination.Via)
	}
	if out.TimeToLive > 0 {
		msg.Metadata.Set(metadata.TimeToLive, out.TimeToLive.String())
	}
	if !out.ScheduledEnqueueTime.IsZero() {
		msg.Metadata.Set(metadata.ScheduledAt, strconv.FormatInt(out.ScheduledEnqueueTime.UnixMilli(), 10))
	}
	msg.SetContext(ctx)
	return msg
}

func (s *sender) Close() error { return nil }

// expired reports whether a message enqueued at enqueuedAt has outlived the
// time to live in its headers.
func expired(headers metadata.Metadata, enqueuedAt, now time.Time) bool {
	raw := headers[metadata.TimeToLive]
	if raw == "" || enqueuedAt.IsZero() {
		return false
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return false
	}
	return now.After(enqueuedAt.Add(ttl))
}

func parseUnixMilli(value string) time.Time {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
