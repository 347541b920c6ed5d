package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// MessageContext describes one handler invocation to hooks.
type MessageContext struct {
	// Entity is the queue or subscription the message was received from.
	Entity topology.EntityAddress
	// MessageID is the broker message id.
	MessageID string
	// MessageType is the enclosed message type header, if any.
	MessageType string
	// Headers are the message headers.
	Headers metadata.Metadata
	// DeliveryCount is 1 on first delivery.
	DeliveryCount int
	// Context is the handler context.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnMessageDone and OnMessageError).
	Duration time.Duration
}

// MessageHooks defines callbacks around the message handler.
// All hooks are optional - nil hooks are simply not called.
type MessageHooks struct {
	// OnMessageStart is called before the handler is invoked.
	OnMessageStart func(ctx MessageContext)

	// OnMessageDone is called when the handler returned without error.
	OnMessageDone func(ctx MessageContext)

	// OnMessageError is called when the handler returned an error. The
	// message is abandoned afterwards.
	OnMessageError func(ctx MessageContext, err error)
}

// Merge combines two MessageHooks. The hooks from other run after those of h.
func (h MessageHooks) Merge(other MessageHooks) MessageHooks {
	return MessageHooks{
		OnMessageStart: chainHooks(h.OnMessageStart, other.OnMessageStart),
		OnMessageDone:  chainHooks(h.OnMessageDone, other.OnMessageDone),
		OnMessageError: chainErrorHooks(h.OnMessageError, other.OnMessageError),
	}
}

func (h MessageHooks) empty() bool {
	return h.OnMessageStart == nil && h.OnMessageDone == nil && h.OnMessageError == nil
}

func chainHooks(a, b func(MessageContext)) func(MessageContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx MessageContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(MessageContext, error)) func(MessageContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx MessageContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// wrap returns handler surrounded by the hooks.
func (h MessageHooks) wrap(handler MessageHandler) MessageHandler {
	if h.empty() {
		return handler
	}
	return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
		mc := MessageContext{
			Entity:        msg.Entity,
			MessageID:     msg.MessageID,
			MessageType:   msg.Headers[metadata.EnclosedMessageType],
			Headers:       msg.Headers,
			DeliveryCount: msg.DeliveryCount,
			Context:       ctx,
			StartedAt:     time.Now(),
		}
		if h.OnMessageStart != nil {
			h.OnMessageStart(mc)
		}

		err := handler(ctx, msg, rc)

		mc.Duration = time.Since(mc.StartedAt)
		if err != nil {
			if h.OnMessageError != nil {
				h.OnMessageError(mc, err)
			}
		} else if h.OnMessageDone != nil {
			h.OnMessageDone(mc)
		}
		return err
	}
}

// LoggingHooks returns hooks that log the handler lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) MessageHooks {
	fields := func(ctx MessageContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"entity":         ctx.Entity.Path,
			"message_id":     ctx.MessageID,
			"message_type":   ctx.MessageType,
			"delivery_count": ctx.DeliveryCount,
		}
	}
	return MessageHooks{
		OnMessageStart: func(ctx MessageContext) {
			logger.Debug("Message handling started", fields(ctx))
		},
		OnMessageDone: func(ctx MessageContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Message handled", f)
		},
		OnMessageError: func(ctx MessageContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Message handler failed", err, f)
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on handler errors.
func AlertingHooks(alertFunc func(ctx MessageContext, err error)) MessageHooks {
	return MessageHooks{
		OnMessageError: alertFunc,
	}
}
