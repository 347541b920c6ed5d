// Package broker declares the contracts sbflow needs from a broker client:
// entity receivers and senders, the factories creating them and the fault
// classes their operations report.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// ReceiveMode controls how a receiver settles messages.
type ReceiveMode int

const (
	// PeekLock leases each message to the receiver until it is completed or
	// abandoned.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete removes each message from the entity when it is received.
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	switch m {
	case PeekLock:
		return "peeklock"
	case ReceiveAndDelete:
		return "receiveanddelete"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseReceiveMode accepts "peeklock" and "receiveanddelete" in any case,
// with or without separators. Empty means PeekLock.
func ParseReceiveMode(value string) (ReceiveMode, error) {
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(value))
	switch normalized {
	case "", "peeklock":
		return PeekLock, nil
	case "receiveanddelete":
		return ReceiveAndDelete, nil
	default:
		return 0, fmt.Errorf("sbflow: unknown receive mode %q", value)
	}
}

// Message is a message handed out by a MessageReceiver.
type Message struct {
	ID            string
	Body          []byte
	Headers       metadata.Metadata
	LockToken     string
	DeliveryCount int
	EnqueuedAt    time.Time
}

// OutgoingMessage is a broker native message ready to be sent.
type OutgoingMessage struct {
	ID                   string
	Body                 []byte
	Headers              metadata.Metadata
	TimeToLive           time.Duration
	ScheduledEnqueueTime time.Time
}

// Size estimates the wire size of the message: body, id and JSON encoded
// headers.
func (m *OutgoingMessage) Size() int {
	size := len(m.Body) + len(m.ID)
	if len(m.Headers) > 0 {
		size += jsoncodec.EncodedSize(m.Headers)
	}
	return size
}

// MessageReceiver receives from one entity.
type MessageReceiver interface {
	// Receive waits for the next message. It returns a nil message and a nil
	// error when nothing arrived before ctx expired or the server wait time
	// elapsed.
	Receive(ctx context.Context) (*Message, error)
	Complete(ctx context.Context, lockToken string) error
	Abandon(ctx context.Context, lockToken string) error
	Close() error
}

// MessageSender sends batches to one entity, optionally through a via entity.
type MessageSender interface {
	Send(ctx context.Context, batch []*OutgoingMessage) error
	Close() error
}

type ReceiverFactory interface {
	CreateReceiver(ctx context.Context, entity topology.EntityAddress, mode ReceiveMode) (MessageReceiver, error)
}

type SenderFactory interface {
	// CreateSender returns a sender for destination.Path routed through
	// destination.Via when set.
	CreateSender(ctx context.Context, destination topology.EntityAddress) (MessageSender, error)
}

// ClientFactory creates both receivers and senders.
type ClientFactory interface {
	ReceiverFactory
	SenderFactory
}

// QueueIntrospector exposes read-only entity diagnostics.
type QueueIntrospector interface {
	MessageCount(ctx context.Context, entity topology.EntityAddress) (int64, error)
}
