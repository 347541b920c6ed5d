package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/receive"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

const (
	DefaultMaxMessagesPerBatch = 100
	DefaultMaxBatchBytes       = 256 * 1024
)

// Limits bound a single batch. Zero fields mean the batcher defaults.
type Limits struct {
	MaxMessages int
	MaxBytes    int
}

type BatcherOptions struct {
	MaxMessagesPerBatch int
	MaxBatchBytes       int
	// SendViaReceiveQueue routes sends made while a peek-locked message is
	// unsettled through that message's entity.
	SendViaReceiveQueue bool
	Converter           Converter
	// LimitsFor narrows the limits for a destination, for example to the
	// transport's maximum message size.
	LimitsFor func(destination topology.EntityAddress) Limits
	Metrics   *metrics.Recorder
}

// Batch is one Send call worth of messages.
type Batch struct {
	Destination topology.EntityAddress
	Messages    []*broker.OutgoingMessage
	Bytes       int
}

// Batcher sends operations in size bounded batches, one sender per
// destination.
type Batcher struct {
	factory broker.SenderFactory
	logger  loggingpkg.ServiceLogger
	opts    BatcherOptions
	tracer  trace.Tracer

	mu      sync.Mutex
	senders map[string]broker.MessageSender
}

func NewBatcher(factory broker.SenderFactory, logger loggingpkg.ServiceLogger, opts BatcherOptions) *Batcher {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if opts.MaxMessagesPerBatch <= 0 {
		opts.MaxMessagesPerBatch = DefaultMaxMessagesPerBatch
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if opts.Converter == nil {
		opts.Converter = DefaultConverter
	}
	return &Batcher{
		factory: factory,
		logger:  logger,
		opts:    opts,
		tracer:  otel.Tracer("sbflow/dispatch"),
		senders: make(map[string]broker.MessageSender),
	}
}

// Plan groups ops by namespace, then by entity path and via entity, in the
// order each group is first seen, and packs every group into batches.
// Operations keep their relative order inside a group.
func (b *Batcher) Plan(ops []Operation, rc *receive.Context) ([][]Batch, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var plan [][]Batch
	namespaces := lo.Uniq(lo.Map(ops, func(op Operation, _ int) string {
		return op.Destination.Namespace.Key()
	}))
	for _, ns := range namespaces {
		inNamespace := lo.Filter(ops, func(op Operation, _ int) bool {
			return op.Destination.Namespace.Key() == ns
		})
		entities := lo.Uniq(lo.Map(inNamespace, func(op Operation, _ int) string {
			return entityKey(op.Destination)
		}))
		for _, entity := range entities {
			group := lo.Filter(inNamespace, func(op Operation, _ int) bool {
				return entityKey(op.Destination) == entity
			})
			batches, err := b.pack(b.route(group[0].Destination, rc), group)
			if err != nil {
				return nil, err
			}
			plan = append(plan, batches)
		}
	}
	return plan, nil
}

// SendInBatches sends ops and returns once the broker accepted every batch
// or one of them failed. Groups are sent concurrently, the batches of one
// group in order.
func (b *Batcher) SendInBatches(ctx context.Context, ops []Operation, rc *receive.Context) error {
	plan, err := b.Plan(ops, rc)
	if err != nil || len(plan) == 0 {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "SendInBatches",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int("sbflow.operations", len(ops)),
			attribute.Int("sbflow.partitions", len(plan)),
		),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, batches := range plan {
		g.Go(func() error {
			return b.sendPartition(gctx, batches)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

// Close closes every cached sender.
func (b *Batcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, s := range b.senders {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.senders, key)
	}
	return errors.Join(errs...)
}

func (b *Batcher) sendPartition(ctx context.Context, batches []Batch) error {
	dest := batches[0].Destination
	sender, err := b.sender(ctx, dest)
	if err != nil {
		return fmt.Errorf("create sender for %s: %w", dest, err)
	}

	label := dest.String()
	for i, batch := range batches {
		if err := sender.Send(ctx, batch.Messages); err != nil {
			b.opts.Metrics.SendFault(label)
			if broker.IsTransient(err) {
				b.evict(dest)
			}
			return fmt.Errorf("send batch %d/%d to %s: %w", i+1, len(batches), dest, err)
		}
		b.opts.Metrics.BatchSent(label, len(batch.Messages))
		b.logger.Trace("Batch sent", loggingpkg.LogFields{
			"destination": label,
			"messages":    len(batch.Messages),
			"bytes":       batch.Bytes,
		})
	}
	return nil
}

func (b *Batcher) pack(dest topology.EntityAddress, ops []Operation) ([]Batch, error) {
	limits := b.limits(dest)
	var batches []Batch
	current := Batch{Destination: dest}

	for _, op := range ops {
		msg, err := b.opts.Converter.Convert(op)
		if err != nil {
			return nil, fmt.Errorf("convert operation for %s: %w", dest, err)
		}
		size := msg.Size()
		if size > limits.MaxBytes {
			return nil, fmt.Errorf("%w: message %s is %d bytes, %s accepts %d",
				errspkg.ErrMessageTooLarge, msg.ID, size, dest, limits.MaxBytes)
		}
		full := len(current.Messages) >= limits.MaxMessages || current.Bytes+size > limits.MaxBytes
		if full && len(current.Messages) > 0 {
			batches = append(batches, current)
			current = Batch{Destination: dest}
		}
		current.Messages = append(current.Messages, msg)
		current.Bytes += size
	}
	if len(current.Messages) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}

func (b *Batcher) limits(dest topology.EntityAddress) Limits {
	l := Limits{MaxMessages: b.opts.MaxMessagesPerBatch, MaxBytes: b.opts.MaxBatchBytes}
	if b.opts.LimitsFor == nil {
		return l
	}
	override := b.opts.LimitsFor(dest)
	if override.MaxMessages > 0 && override.MaxMessages < l.MaxMessages {
		l.MaxMessages = override.MaxMessages
	}
	if override.MaxBytes > 0 && override.MaxBytes < l.MaxBytes {
		l.MaxBytes = override.MaxBytes
	}
	return l
}

// route sets the via entity when the send can join the receive transaction
// of rc: peek-lock, unsettled, same namespace, different entity.
func (b *Batcher) route(dest topology.EntityAddress, rc *receive.Context) topology.EntityAddress {
	if !b.opts.SendViaReceiveQueue || dest.Via != "" || !rc.TransactionEligible() {
		return dest
	}
	source := rc.Entity()
	if !source.SameNamespace(dest) || strings.EqualFold(source.Path, dest.Path) {
		return dest
	}
	return dest.WithVia(source.Path)
}

func (b *Batcher) sender(ctx context.Context, dest topology.EntityAddress) (broker.MessageSender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := dest.Key()
	if s, ok := b.senders[key]; ok {
		return s, nil
	}
	s, err := b.factory.CreateSender(ctx, dest)
	if err != nil {
		return nil, err
	}
	b.senders[key] = s
	return s, nil
}

func (b *Batcher) evict(dest topology.EntityAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := dest.Key()
	if s, ok := b.senders[key]; ok {
		_ = s.Close()
		delete(b.senders, key)
	}
}

func entityKey(dest topology.EntityAddress) string {
	return strings.ToLower(dest.Path) + "|" + strings.ToLower(dest.Via)
}
