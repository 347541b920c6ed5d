/*
Package runtime provides the endpoint that ties the sbflow building blocks together.

# Architecture Overview

An Endpoint owns the namespaces of one logical endpoint and, per namespace,
a broker client opened from the transport registry. Receiving is driven by
the topology operator, sending by the dispatcher, and publisher routing by
the routing table.

# Package Structure

## Endpoint (endpoint.go)

The Endpoint struct wires together:
  - Namespace registry and partitioning strategy
  - Transport router (one watermill-backed client per namespace)
  - Topology operator with one receive pump per entity
  - Batcher and dispatcher for outgoing operations
  - Publisher routing table for Subscribe and Unsubscribe
  - Prometheus recorder and the metrics HTTP server

## Sending (send.go)

Send, Publish, PublishProto and Dispatch resolve destinations written as
"path", "path@alias" or "path@<connection string>" and hand operations to
the dispatcher. Send options carry the message id, headers, time to live,
scheduling and the receive context.

## Middleware (middleware.go)

Composable wrappers around the message handler:
  - Retry: in-delivery retries with capped exponential backoff
  - Timeout: bounded handler context
  - ErrorQueue: forwards failing messages to an error queue

## Hooks (hooks.go)

OnMessageStart, OnMessageDone and OnMessageError callbacks, with ready-made
logging and alerting hooks.

## Status (status.go, resources.go)

Endpoint snapshot served on /api/status next to /metrics: state, pumps,
subscriptions, operator counters and process resource usage.

# Sub-packages

  - ack/: acknowledgment safety layer
  - broker/: receiver, sender and factory contracts
  - brokertest/: in-memory broker for tests
  - config/: endpoint configuration, validation and viper loader
  - dispatch/: operations, batching and dispatcher
  - errors/: sentinel errors and error types
  - handlers/: typed JSON and protobuf handlers, message type mux
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message header utilities
  - metrics/: Prometheus collectors
  - namespace/: connection strings, namespaces and partitioning
  - operator/: topology operator and receive pumps
  - receive/: receive context and incoming messages
  - routing/: publisher routing table and message conventions
  - topology/: entity addresses and naming

# Usage Example

	cfg, err := config.Load("sbflow.yaml", config.DefaultEnvPrefix)
	if err != nil {
		return err
	}

	endpoint, err := runtime.NewEndpoint(ctx, cfg, logger, runtime.EndpointDependencies{})
	if err != nil {
		return err
	}

	_ = endpoint.OnMessage(func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
		return endpoint.Send(ctx, "billing", msg.Body, runtime.WithReceiveContext(rc))
	})

	_ = endpoint.Start(ctx)
*/
package runtime
