package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/operator"
	"github.com/drblury/sbflow/internal/runtime/receive"
)

// Middleware wraps the message handler of an endpoint.
type Middleware func(next MessageHandler) MessageHandler

// UnprocessableMessageError marks a message that no retry can fix.
type UnprocessableMessageError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableMessageError) Error() string {
	return fmt.Sprintf("message %s is unprocessable: %v", e.MessageID, e.Err)
}

func (e *UnprocessableMessageError) Unwrap() error {
	return e.Err
}

func isUnprocessable(err error) bool {
	var target *UnprocessableMessageError
	return errors.As(err, &target)
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf limits retries to matching errors. Unprocessable messages are
	// never retried.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// RetryMiddleware calls the handler again within the same delivery before
// the message is abandoned. Deferred sends of failed attempts are dropped.
func RetryMiddleware(cfg RetryMiddlewareConfig) Middleware {
	cfg = cfg.withDefaults()
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
			backoff := retry.WithMaxRetries(uint64(cfg.MaxRetries),
				retry.WithCappedDuration(cfg.MaxInterval, retry.NewExponential(cfg.InitialInterval)))

			var last error
			err := retry.Do(ctx, backoff, func(ctx context.Context) error {
				last = next(ctx, msg, rc)
				if last == nil {
					return nil
				}
				if isUnprocessable(last) || (cfg.RetryIf != nil && !cfg.RetryIf(last)) {
					return last
				}
				rc.Discard()
				return retry.RetryableError(last)
			})
			if err != nil && last != nil {
				return last
			}
			return err
		}
	}
}

// TimeoutMiddleware cancels the handler context after d.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, msg, rc)
		}
	}
}

// ErrorQueueConfig configures ErrorQueueMiddleware.
type ErrorQueueConfig struct {
	// Queue receives the failed messages. It takes a destination like Send.
	Queue string
	// MaxDeliveries forwards a failing message once it has been delivered
	// this many times. Zero forwards only unprocessable messages.
	MaxDeliveries int
	// Filter forwards matching errors right away. Defaults to
	// UnprocessableMessageError.
	Filter func(error) bool
}

// ErrorQueueMiddleware moves failing messages to an error queue instead of
// abandoning them again. The copy is sent once the original completes.
func (e *Endpoint) ErrorQueueMiddleware(cfg ErrorQueueConfig) (Middleware, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("error queue: %w", errspkg.ErrDestinationRequired)
	}
	if _, err := e.Resolve(cfg.Queue); err != nil {
		return nil, err
	}
	filter := cfg.Filter
	if filter == nil {
		filter = isUnprocessable
	}

	return func(next MessageHandler) MessageHandler {
		return func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error {
			err := next(ctx, msg, rc)
			if err == nil {
				return nil
			}
			exhausted := cfg.MaxDeliveries > 0 && msg.DeliveryCount >= cfg.MaxDeliveries
			if !exhausted && !filter(err) {
				return err
			}

			rc.Discard()
			headers := msg.Headers.
				With(metadata.FailureReason, err.Error()).
				With(metadata.FailedEntity, msg.Entity.Path)
			if sendErr := e.Send(ctx, cfg.Queue, msg.Body,
				WithMessageID(msg.MessageID),
				WithHeaders(headers),
				WithReceiveContext(rc),
			); sendErr != nil {
				return errors.Join(err, fmt.Errorf("forward to error queue: %w", sendErr))
			}

			e.metrics.MessageDeadLettered(msg.Entity.Path)
			e.Logger.Warn("Message forwarded to error queue", loggingpkg.LogFields{
				"entity":         msg.Entity.Path,
				"message_id":     msg.MessageID,
				"delivery_count": msg.DeliveryCount,
				"error_queue":    cfg.Queue,
				"error":          err.Error(),
			})
			return nil
		}
	}, nil
}

// Use adds middlewares around the message handler. The first one is the
// outermost. It must be called before Start.
func (e *Endpoint) Use(middlewares ...Middleware) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.operator.State() != operator.Stopped {
		return errspkg.ErrAlreadyStarted
	}
	for _, mw := range middlewares {
		if mw == nil {
			return errspkg.ErrHandlerRequired
		}
	}
	e.middlewares = append(e.middlewares, middlewares...)
	return nil
}

func chain(handler MessageHandler, middlewares []Middleware) MessageHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
