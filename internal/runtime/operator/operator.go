// Package operator runs receive pumps over a set of broker entities.
package operator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/drblury/sbflow/internal/runtime/ack"
	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// MessageHandler handles one inbound message. Returning an error abandons
// the message.
type MessageHandler func(ctx context.Context, msg receive.IncomingMessage, rc *receive.Context) error

// ErrorHandler is told about every fault a pump could not recover from.
type ErrorHandler func(ctx context.Context, err error)

// State of the operator.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultReceiveTimeout      = 30 * time.Second
	DefaultReconnectBackoff    = 100 * time.Millisecond
	DefaultMaxReconnectBackoff = 30 * time.Second
)

// Options tune the pumps. Zero values fall back to the defaults above.
type Options struct {
	ReceiveMode broker.ReceiveMode
	// PerPumpConcurrency applies when a section carries no hint. Zero means
	// the global maximum.
	PerPumpConcurrency  int
	ReceiveTimeout      time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	Metrics             *metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectBackoff
	}
	if o.MaxReconnectBackoff < o.ReconnectBackoff {
		o.MaxReconnectBackoff = max(DefaultMaxReconnectBackoff, o.ReconnectBackoff)
	}
	return o
}

// Operator owns one receive pump per entity. All pumps share a single
// concurrency limiter sized by Start.
type Operator struct {
	factory broker.ReceiverFactory
	logger  loggingpkg.ServiceLogger
	opts    Options
	acker   *ack.Acknowledger
	tracer  trace.Tracer
	stats   counters

	mu             sync.Mutex
	state          State
	onMessage      MessageHandler
	onError        ErrorHandler
	limiter        *semaphore.Weighted
	maxConcurrency int
	handlerCtx     context.Context
	pumps          map[string]*pump
	drained        chan struct{}

	errMu sync.Mutex
}

// New returns a stopped operator receiving through factory.
func New(factory broker.ReceiverFactory, logger loggingpkg.ServiceLogger, opts Options) *Operator {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	opts = opts.withDefaults()
	return &Operator{
		factory: factory,
		logger:  logger,
		opts:    opts,
		acker:   ack.New(logger, opts.Metrics),
		tracer:  otel.Tracer("sbflow/operator"),
	}
}

// OnIncomingMessage registers the handler for every message of every pump.
func (o *Operator) OnIncomingMessage(handler MessageHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Stopped {
		return errspkg.ErrAlreadyStarted
	}
	o.onMessage = handler
	return nil
}

// OnError registers the fault handler. Without one, faults are only logged.
func (o *Operator) OnError(handler ErrorHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Stopped {
		return errspkg.ErrAlreadyStarted
	}
	o.onError = handler
	return nil
}

// Start launches one pump per entity of section and returns without waiting
// for any message. maxConcurrency caps handler invocations across all pumps.
func (o *Operator) Start(ctx context.Context, section topology.Section, maxConcurrency int) error {
	if maxConcurrency <= 0 {
		return errspkg.ErrInvalidConcurrency
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == Stopping {
		return fmt.Errorf("%w: previous pumps are still stopping", errspkg.ErrAlreadyStarted)
	}
	if o.state != Stopped {
		return errspkg.ErrAlreadyStarted
	}
	if o.onMessage == nil {
		return errspkg.ErrHandlerRequired
	}

	o.state = Starting
	o.limiter = semaphore.NewWeighted(int64(maxConcurrency))
	o.maxConcurrency = maxConcurrency
	o.handlerCtx = context.WithoutCancel(ctx)
	o.pumps = make(map[string]*pump, section.Len())

	perPump := o.perPump(section)
	for _, entity := range section.Entities {
		o.startPumpLocked(entity, perPump)
	}
	o.state = Running

	o.logger.Info("Topology operator started", loggingpkg.LogFields{
		"entities":        section.Len(),
		"max_concurrency": maxConcurrency,
		"per_pump":        perPump,
		"receive_mode":    o.opts.ReceiveMode.String(),
	})
	return nil
}

// Stop stops receiving on every pump, waits for in-flight handlers and
// closes the receivers. ctx bounds the wait. When it expires the operator
// stays Stopping until the last handler returns, and Start is refused until
// then; calling Stop again waits for the rest.
func (o *Operator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case Running:
	case Stopping:
		drained := o.drained
		o.mu.Unlock()
		return waitDrained(ctx, drained)
	default:
		o.mu.Unlock()
		return nil
	}
	o.state = Stopping
	pumps := make([]*pump, 0, len(o.pumps))
	for _, p := range o.pumps {
		pumps = append(pumps, p)
	}
	o.pumps = nil
	drained := make(chan struct{})
	o.drained = drained
	o.mu.Unlock()

	for _, p := range pumps {
		p.cancel()
	}
	go o.awaitPumps(pumps, drained)
	return waitDrained(ctx, drained)
}

func (o *Operator) awaitPumps(pumps []*pump, drained chan struct{}) {
	for _, p := range pumps {
		<-p.done
	}
	o.mu.Lock()
	o.state = Stopped
	o.drained = nil
	o.mu.Unlock()
	close(drained)

	o.logger.Info("Topology operator stopped", loggingpkg.LogFields{"entities": len(pumps)})
}

func waitDrained(ctx context.Context, drained <-chan struct{}) error {
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pumps to stop: %w", ctx.Err())
	}
}

// StartEntities adds pumps for entities that are not running yet.
func (o *Operator) StartEntities(_ context.Context, section topology.Section) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Running {
		return errspkg.ErrNotStarted
	}
	perPump := o.perPump(section)
	for _, entity := range section.Entities {
		o.startPumpLocked(entity, perPump)
	}
	return nil
}

// StopEntities stops the pumps of the given entities and leaves the others
// running. Unknown entities are ignored.
func (o *Operator) StopEntities(ctx context.Context, section topology.Section) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return errspkg.ErrNotStarted
	}
	var pumps []*pump
	for _, entity := range section.Entities {
		key := entity.Key()
		if p, ok := o.pumps[key]; ok {
			pumps = append(pumps, p)
			delete(o.pumps, key)
		}
	}
	o.mu.Unlock()

	return stopPumps(ctx, pumps)
}

// State returns the current lifecycle state.
func (o *Operator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Entities returns the entities that currently have a pump.
func (o *Operator) Entities() []topology.EntityAddress {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]topology.EntityAddress, 0, len(o.pumps))
	for _, p := range o.pumps {
		out = append(out, p.entity)
	}
	return out
}

// Stats returns a snapshot of the operator counters.
func (o *Operator) Stats() Stats {
	o.mu.Lock()
	pumps := len(o.pumps)
	o.mu.Unlock()
	s := o.stats.snapshot()
	s.Pumps = pumps
	return s
}

func (o *Operator) perPump(section topology.Section) int {
	switch {
	case section.Concurrency > 0:
		return section.Concurrency
	case o.opts.PerPumpConcurrency > 0:
		return o.opts.PerPumpConcurrency
	default:
		return o.maxConcurrency
	}
}

func (o *Operator) startPumpLocked(entity topology.EntityAddress, perPump int) {
	key := entity.Key()
	if _, ok := o.pumps[key]; ok {
		return
	}
	p := newPump(o, entity, perPump)
	o.pumps[key] = p
	go p.run()
}

func (o *Operator) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(o.opts.MaxReconnectBackoff, retry.NewFibonacci(o.opts.ReconnectBackoff))
}

// raise hands err to the error handler. Calls are serialized so the handler
// never runs re-entrantly.
func (o *Operator) raise(ctx context.Context, handler ErrorHandler, err error) {
	o.stats.faults.Add(1)
	o.logger.Error("Receive pump fault", err, nil)
	if handler == nil {
		return
	}

	o.errMu.Lock()
	defer o.errMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Error handler panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	handler(ctx, err)
}

func stopPumps(ctx context.Context, pumps []*pump) error {
	for _, p := range pumps {
		p.cancel()
	}
	for _, p := range pumps {
		select {
		case <-p.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for pump %s: %w", p.label, ctx.Err())
		}
	}
	return nil
}
