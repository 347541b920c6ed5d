package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/receive"
)

// JSONMessageContext exposes the decoded payload of a JSON message.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes a decoded JSON payload. Returning an error
// abandons the message.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler decodes each body into a fresh T, which must be a
// pointer type, and calls handler.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger = loggerOrNop(logger)

	return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
		typed := newPayload()
		if err := jsoncodec.Unmarshal(msg.Body, typed); err != nil {
			return fmt.Errorf("failed to unmarshal JSON payload: %w", err)
		}
		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: newBase(msg, rc, logger),
			Payload:            typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Interface {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Pointer {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
