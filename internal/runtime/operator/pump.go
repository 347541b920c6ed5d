package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/sbflow/internal/runtime/broker"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// pump receives from one entity until cancelled. A pump slot is taken before
// each receive and a slot of the operator limiter once a message arrives;
// both are released after settlement.
type pump struct {
	op        *Operator
	entity    topology.EntityAddress
	label     string
	mode      broker.ReceiveMode
	onMessage MessageHandler
	onError   ErrorHandler
	limiter   *semaphore.Weighted
	slots     *semaphore.Weighted
	logger    loggingpkg.ServiceLogger

	// handlerCtx is never cancelled by Stop: running handlers finish.
	handlerCtx context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	inflight   sync.WaitGroup
}

func newPump(o *Operator, entity topology.EntityAddress, perPump int) *pump {
	ctx, cancel := context.WithCancel(o.handlerCtx)
	return &pump{
		op:         o,
		entity:     entity,
		label:      entity.String(),
		mode:       o.opts.ReceiveMode,
		onMessage:  o.onMessage,
		onError:    o.onError,
		limiter:    o.limiter,
		slots:      semaphore.NewWeighted(int64(perPump)),
		logger:     o.logger.With(loggingpkg.LogFields{"entity": entity.String()}),
		handlerCtx: o.handlerCtx,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (p *pump) run() {
	defer close(p.done)

	var receiver broker.MessageReceiver
	backoff := p.op.newBackoff()

	for p.ctx.Err() == nil {
		if receiver == nil {
			r, err := p.connect()
			if err != nil {
				break
			}
			receiver = r
		}

		if err := p.slots.Acquire(p.ctx, 1); err != nil {
			break
		}

		msg, err := p.receive(receiver)
		if err != nil {
			p.slots.Release(1)
			if p.ctx.Err() != nil {
				break
			}
			p.receiveFault(StageReceive, err)
			if broker.IsTransient(err) {
				_ = receiver.Close()
				receiver = nil
			}
			if !p.wait(backoff) {
				break
			}
			continue
		}
		backoff = p.op.newBackoff()

		if msg == nil {
			p.slots.Release(1)
			continue
		}

		// A received message is always handled, so the wait for a global
		// slot is not cut short by Stop.
		if err := p.limiter.Acquire(p.handlerCtx, 1); err != nil {
			p.slots.Release(1)
			break
		}
		p.inflight.Add(1)
		go p.process(receiver, msg)
	}

	p.inflight.Wait()
	if receiver != nil {
		if err := receiver.Close(); err != nil {
			p.logger.Error("Failed to close receiver", err, nil)
		}
	}
	p.logger.Debug("Receive pump stopped", nil)
}

// connect creates the receiver, retrying with backoff until it succeeds or
// the pump is stopped.
func (p *pump) connect() (broker.MessageReceiver, error) {
	var receiver broker.MessageReceiver
	err := retry.Do(p.ctx, p.op.newBackoff(), func(ctx context.Context) error {
		r, err := p.op.factory.CreateReceiver(ctx, p.entity, p.mode)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.receiveFault(StageConnect, err)
			return retry.RetryableError(err)
		}
		receiver = r
		return nil
	})
	return receiver, err
}

func (p *pump) receive(receiver broker.MessageReceiver) (*broker.Message, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.op.opts.ReceiveTimeout)
	defer cancel()

	msg, err := receiver.Receive(ctx)
	if err != nil && p.ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		// the server wait time elapsed
		return nil, nil
	}
	return msg, err
}

func (p *pump) wait(b retry.Backoff) bool {
	d, stop := b.Next()
	if stop {
		d = p.op.opts.MaxReconnectBackoff
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *pump) release() {
	p.limiter.Release(1)
	p.slots.Release(1)
}

func (p *pump) process(receiver broker.MessageReceiver, msg *broker.Message) {
	defer p.inflight.Done()
	defer p.release()

	ctx, span := p.op.tracer.Start(p.handlerCtx, "ProcessMessage",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.destination.name", p.entity.Path),
			attribute.Int("messaging.delivery_count", msg.DeliveryCount),
		),
	)
	defer span.End()

	rc := receive.NewContext(p.entity, p.mode)
	in := receive.NewIncomingMessage(msg, p.entity)

	p.op.stats.begin()
	p.op.opts.Metrics.MessageReceived(p.label)
	started := time.Now()
	err := p.invoke(ctx, in, rc)
	p.op.opts.Metrics.HandlerFinished(p.label, time.Since(started), err)
	p.op.stats.end()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		p.fail(ctx, receiver, msg, rc, err)
		return
	}

	if p.mode == broker.PeekLock {
		ok, ackErr := p.op.acker.Complete(ctx, receiver, msg)
		if ackErr != nil {
			p.discard(rc)
			p.op.raise(ctx, p.onError, &Fault{Stage: StageComplete, Entity: p.entity, MessageID: msg.ID, Err: ackErr})
			return
		}
		if !ok {
			p.discard(rc)
			return
		}
		p.op.stats.completed.Add(1)
		p.op.opts.Metrics.MessageCompleted(p.label)
	}

	if err := rc.Complete(ctx); err != nil {
		p.op.raise(ctx, p.onError, &Fault{Stage: StageDeferred, Entity: p.entity, MessageID: msg.ID, Err: err})
	}
}

func (p *pump) invoke(ctx context.Context, in receive.IncomingMessage, rc *receive.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.onMessage(ctx, in, rc)
}

func (p *pump) fail(ctx context.Context, receiver broker.MessageReceiver, msg *broker.Message, rc *receive.Context, handlerErr error) {
	p.discard(rc)

	if p.mode == broker.PeekLock {
		ok, ackErr := p.op.acker.Abandon(ctx, receiver, msg)
		if ackErr != nil {
			p.op.raise(ctx, p.onError, &Fault{Stage: StageAbandon, Entity: p.entity, MessageID: msg.ID, Err: ackErr})
		} else if ok {
			p.op.stats.abandoned.Add(1)
			p.op.opts.Metrics.MessageAbandoned(p.label)
		}
	}

	p.op.raise(ctx, p.onError, &Fault{Stage: StageHandle, Entity: p.entity, MessageID: msg.ID, Err: handlerErr})
}

func (p *pump) discard(rc *receive.Context) {
	if n := rc.Abandon(); n > 0 {
		p.op.opts.Metrics.ActionsDiscarded(n)
		p.logger.Debug("Discarded deferred actions", loggingpkg.LogFields{"count": n})
	}
}

// receiveFault reports connect and receive failures unless the pump is
// stopping.
func (p *pump) receiveFault(stage Stage, err error) {
	if p.ctx.Err() != nil {
		return
	}
	p.op.opts.Metrics.ReceiveFault(p.label)
	p.op.raise(p.handlerCtx, p.onError, &Fault{Stage: stage, Entity: p.entity, Err: err})
}
