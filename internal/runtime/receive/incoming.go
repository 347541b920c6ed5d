package receive

import (
	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// IncomingMessage is what the incoming message handler sees.
type IncomingMessage struct {
	MessageID     string
	Headers       metadata.Metadata
	Body          []byte
	DeliveryCount int
	Entity        topology.EntityAddress
}

// NewIncomingMessage copies the handler-visible parts of msg.
func NewIncomingMessage(msg *broker.Message, entity topology.EntityAddress) IncomingMessage {
	return IncomingMessage{
		MessageID:     msg.ID,
		Headers:       msg.Headers.Clone(),
		Body:          msg.Body,
		DeliveryCount: msg.DeliveryCount,
		Entity:        entity,
	}
}
