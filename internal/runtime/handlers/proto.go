package handlers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/receive"
)

var protoJSONUnmarshalOptions = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// ProtoMessageContext provides strongly typed access to the incoming message payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes a typed protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// BuildProtoHandler decodes protojson bodies into clones of prototype and
// calls handler. A nil pointer prototype is replaced by a new instance.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger loggingpkg.ServiceLogger) (Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	logger = loggerOrNop(logger)

	return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}
		if err := protoJSONUnmarshalOptions.Unmarshal(msg.Body, typed); err != nil {
			return fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err)
		}
		return handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: newBase(msg, rc, logger),
			Payload:            typed,
		})
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new instance of its type
// when candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		typ = reflect.TypeFor[T]()
	}
	if typ.Kind() == reflect.Interface {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Pointer {
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
