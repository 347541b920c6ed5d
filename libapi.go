package sbflow

import (
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/sbflow/internal/runtime"
	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/sbflow/internal/runtime/handlers"
	idspkg "github.com/drblury/sbflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/routing"
	"github.com/drblury/sbflow/internal/runtime/topology"
	"github.com/drblury/sbflow/transport"
)

type (
	Config                = configpkg.Config
	NamespaceConfig       = configpkg.NamespaceConfig
	TransportConfig       = configpkg.TransportConfig
	ConfigValidationError = errspkg.ConfigValidationError

	Endpoint             = runtimepkg.Endpoint
	EndpointDependencies = runtimepkg.EndpointDependencies
	EndpointStatus       = runtimepkg.EndpointStatus
	NamespaceStatus      = runtimepkg.NamespaceStatus
	SendOption           = runtimepkg.SendOption

	MessageHandler  = runtimepkg.MessageHandler
	ErrorHandler    = runtimepkg.ErrorHandler
	IncomingMessage = receive.IncomingMessage
	ReceiveContext  = receive.Context
	EntityAddress   = topology.EntityAddress
	Operation       = dispatch.Operation
	Converter       = dispatch.Converter
	ClientFactory   = broker.ClientFactory
	Conventions     = routing.Conventions

	Middleware                = runtimepkg.Middleware
	RetryMiddlewareConfig     = runtimepkg.RetryMiddlewareConfig
	ErrorQueueConfig          = runtimepkg.ErrorQueueConfig
	UnprocessableMessageError = runtimepkg.UnprocessableMessageError

	// Message lifecycle hooks
	MessageContext = runtimepkg.MessageContext
	MessageHooks   = runtimepkg.MessageHooks

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase
	Mux                                  = handlerpkg.Mux

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TransportBuilder      = transport.Builder
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewEndpoint    = runtimepkg.NewEndpoint
	LoadConfig     = configpkg.Load
	LoadConfigData = configpkg.LoadBytes
	ValidateConfig = configpkg.ValidateConfig

	WithMessageID      = runtimepkg.WithMessageID
	WithHeaders        = runtimepkg.WithHeaders
	WithTimeToLive     = runtimepkg.WithTimeToLive
	WithDeliverAt      = runtimepkg.WithDeliverAt
	WithReceiveContext = runtimepkg.WithReceiveContext
	Isolated           = runtimepkg.Isolated

	RetryMiddleware   = runtimepkg.RetryMiddleware
	TimeoutMiddleware = runtimepkg.TimeoutMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMux = handlerpkg.NewMux

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrUnknownType                 = errspkg.ErrUnknownType
	ErrUnknownNamespace            = errspkg.ErrUnknownNamespace
	ErrAlreadyStarted              = errspkg.ErrAlreadyStarted
	ErrMessageTooLarge             = errspkg.ErrMessageTooLarge
	ErrDestinationRequired         = errspkg.ErrDestinationRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyMessageType   = metadatapkg.EnclosedMessageType
	MetadataKeyFailureReason = metadatapkg.FailureReason
	MetadataKeyFailedEntity  = metadatapkg.FailedEntity
)

func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger ServiceLogger) (MessageHandler, error) {
	return handlerpkg.BuildJSONHandler(handler, logger)
}

func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger ServiceLogger) (MessageHandler, error) {
	return handlerpkg.BuildProtoHandler(prototype, handler, logger)
}

// HandleJSON registers handler on mux for messages published as T.
func HandleJSON[T any](mux *Mux, handler JSONMessageHandler[T], logger ServiceLogger) error {
	return handlerpkg.HandleJSON(mux, handler, logger)
}

// HandleProto registers handler on mux for messages published as T.
func HandleProto[T proto.Message](mux *Mux, prototype T, handler ProtoMessageHandler[T], logger ServiceLogger) error {
	return handlerpkg.HandleProto(mux, prototype, handler, logger)
}

// WithDelay schedules the message delay from now.
// Example: endpoint.Send(ctx, "billing", body, sbflow.WithDelay(30*time.Second))
func WithDelay(delay time.Duration) SendOption {
	return runtimepkg.WithDelay(delay)
}
