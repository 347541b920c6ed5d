package runtime

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/namespace"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/routing"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

type sendOptions struct {
	messageID   string
	headers     metadata.Metadata
	ttl         time.Duration
	deliverAt   time.Time
	consistency dispatch.Consistency
	rc          *receive.Context
}

// SendOption customizes a single Send or Publish.
type SendOption func(*sendOptions)

// WithMessageID sets the broker message id. Without it a ULID is generated.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.messageID = id }
}

// WithHeaders adds headers to the message.
func WithHeaders(headers metadata.Metadata) SendOption {
	return func(o *sendOptions) { o.headers = o.headers.WithAll(headers) }
}

// WithTimeToLive expires the message if it is not received within ttl.
func WithTimeToLive(ttl time.Duration) SendOption {
	return func(o *sendOptions) { o.ttl = ttl }
}

// WithDeliverAt schedules the message for at.
func WithDeliverAt(at time.Time) SendOption {
	return func(o *sendOptions) { o.deliverAt = at }
}

// WithDelay schedules the message d from now.
func WithDelay(d time.Duration) SendOption {
	return func(o *sendOptions) { o.deliverAt = time.Now().Add(d) }
}

// Isolated sends the message right away even while the inbound message is
// still being handled.
func Isolated() SendOption {
	return func(o *sendOptions) { o.consistency = dispatch.Isolated }
}

// WithReceiveContext ties the send to the inbound message of rc: in
// peek-lock mode it goes out only once that message is completed.
func WithReceiveContext(rc *receive.Context) SendOption {
	return func(o *sendOptions) { o.rc = rc }
}

// Send sends body to destination. The destination is an entity path,
// optionally qualified with "@alias" or "@<connection string>"; without a
// qualifier the partitioning strategy picks the namespace.
func (e *Endpoint) Send(ctx context.Context, destination string, body []byte, opts ...SendOption) error {
	entity, err := e.resolve(destination, topology.Queue)
	if err != nil {
		return err
	}
	o := collect(opts)
	return e.dispatcher.Dispatch(ctx, []dispatch.Operation{o.operation(entity, body)}, o.rc)
}

// Publish publishes body as an event of messageType on the endpoint topic.
// Subscribers map this endpoint as a publisher of the type.
func (e *Endpoint) Publish(ctx context.Context, messageType reflect.Type, body []byte, opts ...SendOption) error {
	if messageType == nil {
		return fmt.Errorf("%w: message type is required", errspkg.ErrUnknownType)
	}
	topic, err := e.resolve(topology.TopicPath(e.Conf.EndpointName), topology.Topic)
	if err != nil {
		return err
	}
	o := collect(opts)
	o.headers = o.headers.With(metadata.EnclosedMessageType, routing.TypeName(messageType))
	return e.dispatcher.Dispatch(ctx, []dispatch.Operation{o.operation(topic, body)}, o.rc)
}

// PublishProto marshals event with protojson and publishes it as its Go type.
func (e *Endpoint) PublishProto(ctx context.Context, event proto.Message, opts ...SendOption) error {
	if event == nil {
		return fmt.Errorf("%w: event is required", errspkg.ErrUnknownType)
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return e.Publish(ctx, reflect.TypeOf(event), payload, opts...)
}

// Dispatch sends prepared operations, deferring them on rc as Dispatcher does.
func (e *Endpoint) Dispatch(ctx context.Context, ops []dispatch.Operation, rc *receive.Context) error {
	return e.dispatcher.Dispatch(ctx, ops, rc)
}

// Resolve turns a destination string into an entity address.
func (e *Endpoint) Resolve(destination string) (topology.EntityAddress, error) {
	return e.resolve(destination, topology.Queue)
}

func (e *Endpoint) resolve(destination string, entityType topology.EntityType) (topology.EntityAddress, error) {
	path, qualifier := topology.ParseDestination(destination)
	if path == "" {
		return topology.EntityAddress{}, errspkg.ErrDestinationRequired
	}
	if _, _, ok := topology.SplitSubscriptionPath(path); ok {
		entityType = topology.Subscription
	}

	info, err := e.namespaceFor(path, qualifier)
	if err != nil {
		return topology.EntityAddress{}, fmt.Errorf("destination %s: %w", path, err)
	}
	return topology.EntityAddress{Path: path, Type: entityType, Namespace: info}, nil
}

func (e *Endpoint) namespaceFor(path, qualifier string) (namespace.Info, error) {
	switch {
	case qualifier == "":
		return e.partitioning.Namespace(path)
	case namespace.IsConnectionString(qualifier):
		cs, err := namespace.ParseConnectionString(qualifier)
		if err != nil {
			return namespace.Info{}, err
		}
		if info, ok := e.namespaces.Find(cs); ok {
			return info, nil
		}
		return namespace.Info{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownNamespace, cs.Redacted())
	default:
		if info, ok := e.namespaces.Get(qualifier); ok {
			return info, nil
		}
		return namespace.Info{}, fmt.Errorf("%w: %q", errspkg.ErrUnknownNamespace, qualifier)
	}
}

func collect(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o sendOptions) operation(dest topology.EntityAddress, body []byte) dispatch.Operation {
	return dispatch.Operation{
		Destination: dest,
		Body:        body,
		Headers:     o.headers,
		MessageID:   o.messageID,
		Consistency: o.consistency,
		TimeToLive:  o.ttl,
		DeliverAt:   o.deliverAt,
	}
}
