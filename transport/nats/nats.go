// Package nats provides the NATS Core backend. Receivers of one entity share
// a queue group, so each message goes to one of them. Core NATS has no
// redelivery: an abandoned message is dropped. Use nats-jetstream when
// peek-lock semantics matter.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroupPrefix prefixes the queue group of every subscription.
const QueueGroupPrefix = "sbflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriberConfig := func(queueGroupPrefix string) nats.SubscriberConfig {
		return nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: queueGroupPrefix,
			JetStream:        core,
		}
	}

	subscriber, err := SubscriberFactory(subscriberConfig(QueueGroupPrefix), logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		// A queue group per subscription delivers every event once to each
		// subscribing endpoint.
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			sub, err := SubscriberFactory(subscriberConfig(QueueGroupPrefix+"_"+subscription), logger)
			if err != nil {
				return nil, fmt.Errorf("nats subscriber for %s: %w", subscription, err)
			}
			return sub, nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
