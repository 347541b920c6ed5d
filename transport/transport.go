// Package transport adapts watermill publishers and subscribers to the broker
// contracts of sbflow. Each backend (kafka, rabbitmq, aws, ...) lives in its
// own sub-package and registers a Builder with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// SubscriberFor returns a subscriber of its own for one subscription, so
	// that every subscription of a topic gets a separate queue, consumer
	// group or durable consumer. Backends that fan out to every Subscribe
	// call leave it nil. The Client closes the subscribers it obtained.
	SubscriberFor func(subscription string) (message.Subscriber, error)
}

// Close closes the subscriber, then the publisher. Shared pub/subs are
// closed once.
func (t Transport) Close() error {
	var subErr, pubErr error
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		pubErr = t.Publisher.Close()
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

// Builder creates the transport of one namespace.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the per-namespace values transports need without
// depending on the config package.
type Config interface {
	// GetBackend returns the registered transport name.
	GetBackend() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// QueueIntrospector is implemented by publishers or subscribers that can
// count the messages waiting on a topic.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
