// Package ack settles peek-locked messages without letting broker races
// escape into the receive loop.
package ack

import (
	"context"
	"fmt"

	"github.com/drblury/sbflow/internal/runtime/broker"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
)

const (
	opComplete = "complete"
	opAbandon  = "abandon"
)

// Acknowledger completes and abandons messages. Recognized broker faults are
// logged and reported as an unsuccessful settlement; anything else is
// returned to the caller.
type Acknowledger struct {
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Recorder
}

// New returns an Acknowledger. rec may be nil.
func New(logger loggingpkg.ServiceLogger, rec *metrics.Recorder) *Acknowledger {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Acknowledger{logger: logger, metrics: rec}
}

// Complete removes msg from its entity. It returns true only when the broker
// accepted the completion.
func (a *Acknowledger) Complete(ctx context.Context, receiver broker.MessageReceiver, msg *broker.Message) (bool, error) {
	return a.settle(ctx, opComplete, msg, func() error {
		return receiver.Complete(ctx, msg.LockToken)
	})
}

// Abandon releases the lock on msg so the broker can redeliver it. It returns
// true only when the broker accepted the abandon.
func (a *Acknowledger) Abandon(ctx context.Context, receiver broker.MessageReceiver, msg *broker.Message) (bool, error) {
	return a.settle(ctx, opAbandon, msg, func() error {
		return receiver.Abandon(ctx, msg.LockToken)
	})
}

func (a *Acknowledger) settle(ctx context.Context, op string, msg *broker.Message, call func() error) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%s message %s: panic: %v", op, msg.ID, r)
		}
	}()

	callErr := call()
	if callErr == nil {
		return true, nil
	}

	class := broker.Classify(callErr)
	if class == broker.FaultNone {
		return false, fmt.Errorf("%s message %s: %w", op, msg.ID, callErr)
	}

	a.logger.Warn(warning(op, class), loggingpkg.LogFields{
		"message_id": msg.ID,
		"lock_token": msg.LockToken,
		"class":      string(class),
		"error":      callErr.Error(),
	})
	a.metrics.AckSwallowed(op, string(class))
	return false, nil
}

func warning(op string, class broker.FaultClass) string {
	switch class {
	case broker.FaultLockLost:
		return "Message lock lost before " + op + "; the broker will redeliver it"
	case broker.FaultMessaging:
		return "Messaging failure during " + op + "; continuing with the next message"
	case broker.FaultReleased:
		return "Receiver released before " + op
	case broker.FaultTransaction:
		return "Transaction already resolved during " + op
	default:
		return "Timed out during " + op
	}
}
