// Package sbflow moves messages between the endpoints of a system over a
// partitioned, multi-namespace broker with queues, topics and subscriptions.
// It reads the namespaces and their transports (Go Channels, Kafka, RabbitMQ,
// NATS, NATS JetStream, AWS SNS/SQS or HTTP) from Config, opens one broker
// client per namespace, and runs one receive pump per input entity with
// peek-lock or receive-and-delete semantics.
//
// Endpoint is the entry point: OnMessage registers the handler, Start begins
// receiving from the input queue and every subscription, and Send, Publish
// and Dispatch emit messages. A minimal setup therefore involves filling
// Config, creating an Endpoint, registering a handler, and calling Start.
//
// # Destinations
//
// Send takes "path", "path@alias" or "path@<connection string>". Without a
// qualifier the partitioning strategy picks the namespace; with one, the
// namespace must be configured. Events go to "<endpoint>.events" and are read
// through "<publisher>.events/subscriptions/<endpoint>".
//
// # Consistency
//
// Sends made while handling a peek-locked message are deferred until that
// message is completed and dropped if it is abandoned. Pass the receive
// context with WithReceiveContext to opt in, and Isolated to send right away.
//
// # Middleware and hooks
//
// RetryMiddleware retries a failing handler within the same delivery,
// TimeoutMiddleware bounds it, and Endpoint.ErrorQueueMiddleware moves
// messages that keep failing to an error queue. MessageHooks provide
// OnMessageStart, OnMessageDone and OnMessageError callbacks for logging and
// alerting.
//
// # Typed handlers
//
// BuildJSONHandler and BuildProtoHandler decode payloads before calling a
// typed handler. A Mux dispatches on the enclosed message type header that
// Publish sets, so one endpoint can handle several event types.
package sbflow
