// Package http provides the HTTP backend. Messages are POSTed to
// <publisher URL><topic> and received by an embedded HTTP server. HTTP has
// no redelivery, so it suits bridging rather than peek-lock processing.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/sbflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. Without a server address the
// transport can only send; without a publisher URL it can only receive.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" && publisherURL == "" {
		return transport.Transport{}, errors.New("http: publisher URL or server address is required")
	}

	var tr transport.Transport
	if publisherURL != "" {
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
				},
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, fmt.Errorf("http publisher: %w", err)
		}
		tr.Publisher = publisher
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			_ = tr.Close()
			return transport.Transport{}, fmt.Errorf("http subscriber: %w", err)
		}
		tr.Subscriber = subscriber

		if s, ok := subscriber.(*http.Subscriber); ok {
			go func() {
				if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					logger.Error("Failed to start HTTP subscriber server", err, nil)
				}
			}()
		}
	}

	return tr, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
