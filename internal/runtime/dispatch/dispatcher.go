package dispatch

import (
	"context"

	"github.com/samber/lo"

	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/receive"
)

// BatchSender is what the dispatcher hands operations to.
type BatchSender interface {
	SendInBatches(ctx context.Context, ops []Operation, rc *receive.Context) error
}

// Dispatcher decides whether operations are sent now or after the inbound
// message completes.
type Dispatcher struct {
	sender  BatchSender
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Recorder
}

func NewDispatcher(sender BatchSender, logger loggingpkg.ServiceLogger, rec *metrics.Recorder) *Dispatcher {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Dispatcher{sender: sender, logger: logger, metrics: rec}
}

// Dispatch sends ops according to rc:
//   - no inbound message or receive-and-delete: everything is sent now
//   - peek-lock: Isolated operations are sent now, Default ones once the
//     inbound message is completed, and never if it is abandoned
func (d *Dispatcher) Dispatch(ctx context.Context, ops []Operation, rc *receive.Context) error {
	if len(ops) == 0 {
		return nil
	}

	switch rc.Kind() {
	case receive.PeekLock:
		isolated, deferred := lo.FilterReject(ops, func(op Operation, _ int) bool {
			return op.Consistency == Isolated
		})
		if len(isolated) > 0 {
			if err := d.sender.SendInBatches(ctx, isolated, nil); err != nil {
				return err
			}
		}
		if len(deferred) == 0 {
			return nil
		}
		if err := rc.OnComplete(func(ctx context.Context) error {
			return d.sender.SendInBatches(ctx, deferred, rc)
		}); err != nil {
			return err
		}
		d.metrics.ActionDeferred()
		d.logger.Trace("Deferred operations until completion", loggingpkg.LogFields{
			"operations": len(deferred),
			"entity":     rc.Entity().String(),
		})
		return nil
	default:
		return d.sender.SendInBatches(ctx, ops, nil)
	}
}
