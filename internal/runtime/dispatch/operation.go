// Package dispatch turns outgoing operations into broker batches and decides
// when they are sent relative to the inbound message being handled.
package dispatch

import (
	"fmt"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// Consistency tells whether an operation may be sent independently of the
// inbound message being handled.
type Consistency int

const (
	// Default operations follow the inbound message: they are sent only once
	// it has been completed.
	Default Consistency = iota
	// Isolated operations are sent right away whatever happens to the
	// inbound message.
	Isolated
)

func (c Consistency) String() string {
	switch c {
	case Default:
		return "default"
	case Isolated:
		return "isolated"
	default:
		return fmt.Sprintf("consistency(%d)", int(c))
	}
}

// Operation is one message to send. It is not modified once created.
type Operation struct {
	Destination topology.EntityAddress
	Body        []byte
	Headers     metadata.Metadata
	MessageID   string
	Consistency Consistency
	TimeToLive  time.Duration
	DeliverAt   time.Time
}

// Converter builds the broker message for an operation.
type Converter interface {
	Convert(op Operation) (*broker.OutgoingMessage, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(op Operation) (*broker.OutgoingMessage, error)

func (f ConverterFunc) Convert(op Operation) (*broker.OutgoingMessage, error) { return f(op) }

// DefaultConverter takes the message id from the operation, then from the
// MessageId header, and otherwise generates a ULID.
var DefaultConverter Converter = ConverterFunc(convert)

func convert(op Operation) (*broker.OutgoingMessage, error) {
	if op.Destination.Path == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	id := op.MessageID
	if id == "" {
		id = op.Headers[metadata.MessageID]
	}
	if id == "" {
		id = ids.CreateULID()
	}
	return &broker.OutgoingMessage{
		ID:                   id,
		Body:                 op.Body,
		Headers:              op.Headers.Clone(),
		TimeToLive:           op.TimeToLive,
		ScheduledEnqueueTime: op.DeliverAt,
	}, nil
}
