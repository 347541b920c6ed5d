package handlers

import (
	"github.com/drblury/sbflow/internal/runtime/broker"
	idspkg "github.com/drblury/sbflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

type orderPlaced struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

func incoming(body string, headers metadatapkg.Metadata) (receive.IncomingMessage, *receive.Context) {
	entity := topology.EntityAddress{Path: "orders", Type: topology.Queue}
	msg := receive.IncomingMessage{
		MessageID:     idspkg.CreateULID(),
		Headers:       headers,
		Body:          []byte(body),
		DeliveryCount: 1,
		Entity:        entity,
	}
	return msg, receive.NewContext(entity, broker.PeekLock)
}
