package handlers

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/routing"
)

// Mux picks a handler by the enclosed message type header.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers handler for messages whose enclosed type is typeName.
func (m *Mux) Handle(typeName string, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if typeName == "" {
		return errspkg.ErrConsumeMessageTypeRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typeName] = handler
	return nil
}

// Fallback handles messages no registered type matches.
func (m *Mux) Fallback(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = handler
}

// Types returns the registered type names.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	return out
}

// Serve is a Handler. Messages of an unregistered type without fallback
// fail, which abandons them.
func (m *Mux) Serve(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
	typeName := msg.Headers[metadatapkg.EnclosedMessageType]

	m.mu.RLock()
	handler, ok := m.handlers[typeName]
	if !ok {
		handler = m.fallback
	}
	m.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w: no handler for %q", errspkg.ErrUnknownType, typeName)
	}
	return handler(ctx, msg, rc)
}

// HandleJSON registers a typed JSON handler under the type name of T.
func HandleJSON[T any](m *Mux, handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) error {
	h, err := BuildJSONHandler(handler, logger)
	if err != nil {
		return err
	}
	return m.Handle(routing.TypeName(reflect.TypeFor[T]()), h)
}

// HandleProto registers a typed protobuf handler under the type name of T.
func HandleProto[T proto.Message](m *Mux, prototype T, handler ProtoMessageHandler[T], logger loggingpkg.ServiceLogger) error {
	h, err := BuildProtoHandler(prototype, handler, logger)
	if err != nil {
		return err
	}
	return m.Handle(routing.TypeName(reflect.TypeFor[T]()), h)
}
