// Package handlers adapts typed JSON and protobuf handlers to the raw
// message handler of an endpoint.
package handlers

import (
	"context"

	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/receive"
)

// MetadataKeyCorrelationID tracks related messages across endpoints.
const MetadataKeyCorrelationID = "correlation_id"

// Handler is the raw message handler the typed builders produce.
type Handler = func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error

// MessageContextBase holds what every typed handler sees besides its payload.
type MessageContextBase struct {
	Message  receive.IncomingMessage
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
	// Receive is the receive context of the message. Pass it along with
	// sends so they follow the message's completion.
	Receive *receive.Context
}

func newBase(msg receive.IncomingMessage, rc *receive.Context, logger loggingpkg.ServiceLogger) MessageContextBase {
	return MessageContextBase{
		Message:  msg,
		Metadata: msg.Headers,
		Logger: logger.With(loggingpkg.LogFields{
			"entity":     msg.Entity.Path,
			"message_id": msg.MessageID,
		}),
		Receive: rc,
	}
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID, falling back to the message id.
func (b MessageContextBase) CorrelationID() string {
	if id := b.Metadata[MetadataKeyCorrelationID]; id != "" {
		return id
	}
	return b.Message.MessageID
}

// MessageType returns the enclosed message type header.
func (b MessageContextBase) MessageType() string {
	return b.Metadata[metadatapkg.EnclosedMessageType]
}

func loggerOrNop(logger loggingpkg.ServiceLogger) loggingpkg.ServiceLogger {
	if logger == nil {
		return loggingpkg.NewNopLogger()
	}
	return logger
}
