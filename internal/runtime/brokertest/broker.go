// Package brokertest provides an in-memory broker for tests. Entities are
// created on first use and keyed by lower-cased path, so a sender and a
// receiver addressing the same path meet regardless of namespace details.
package brokertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drblury/sbflow/internal/runtime/broker"
	"github.com/drblury/sbflow/internal/runtime/ids"
	"github.com/drblury/sbflow/internal/runtime/metadata"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// SentBatch records one Send call.
type SentBatch struct {
	Destination topology.EntityAddress
	Messages    []*broker.OutgoingMessage
}

type entity struct {
	queue  []*broker.Message
	locked map[string]*broker.Message
	wake   chan struct{}
}

// Broker is a ClientFactory and QueueIntrospector backed by memory.
type Broker struct {
	mu       sync.Mutex
	entities map[string]*entity
	sent     []SentBatch

	receiversCreated int
	receiversClosed  int

	createReceiverErrs []error
	receiveErrs        map[string][]error
	completeErr        error
	abandonErr         error
	sendErr            error
}

var _ broker.ClientFactory = (*Broker)(nil)
var _ broker.QueueIntrospector = (*Broker)(nil)

func New() *Broker {
	return &Broker{entities: make(map[string]*entity), receiveErrs: make(map[string][]error)}
}

func (b *Broker) entity(path string) *entity {
	key := strings.ToLower(path)
	e, ok := b.entities[key]
	if !ok {
		e = &entity{locked: make(map[string]*broker.Message), wake: make(chan struct{})}
		b.entities[key] = e
	}
	return e
}

func (e *entity) signal() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// Enqueue places a message on path and returns its id.
func (b *Broker) Enqueue(path string, body []byte, headers metadata.Metadata) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ids.CreateULID()
	e := b.entity(path)
	e.queue = append(e.queue, &broker.Message{ID: id, Body: body, Headers: headers.Clone(), EnqueuedAt: time.Now()})
	e.signal()
	return id
}

// FailCreateReceiver makes the next CreateReceiver calls fail with errs, one per call.
func (b *Broker) FailCreateReceiver(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createReceiverErrs = append(b.createReceiverErrs, errs...)
}

// FailReceive makes the next Receive calls on path fail with errs, one per call.
func (b *Broker) FailReceive(path string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToLower(path)
	b.receiveErrs[key] = append(b.receiveErrs[key], errs...)
}

// FailComplete makes every Complete call return err. Nil restores success.
func (b *Broker) FailComplete(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeErr = err
}

// FailAbandon makes every Abandon call return err. Nil restores success.
func (b *Broker) FailAbandon(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandonErr = err
}

// FailSend makes every Send call return err. Nil restores success.
func (b *Broker) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Sent returns every batch sent so far.
func (b *Broker) Sent() []SentBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SentBatch, len(b.sent))
	copy(out, b.sent)
	return out
}

// SentMessages flattens Sent into message ids in send order.
func (b *Broker) SentMessages() []string {
	var out []string
	for _, batch := range b.Sent() {
		for _, m := range batch.Messages {
			out = append(out, m.ID)
		}
	}
	return out
}

// ReceiversCreated and ReceiversClosed count receiver lifecycles.
func (b *Broker) ReceiversCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiversCreated
}

func (b *Broker) ReceiversClosed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiversClosed
}

// MessageCount counts queued and locked messages on the entity.
func (b *Broker) MessageCount(_ context.Context, addr topology.EntityAddress) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entity(addr.Path)
	return int64(len(e.queue) + len(e.locked)), nil
}

func (b *Broker) CreateReceiver(_ context.Context, addr topology.EntityAddress, mode broker.ReceiveMode) (broker.MessageReceiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.createReceiverErrs) > 0 {
		err := b.createReceiverErrs[0]
		b.createReceiverErrs = b.createReceiverErrs[1:]
		return nil, err
	}
	b.receiversCreated++
	return &receiver{broker: b, path: addr.Path, mode: mode}, nil
}

func (b *Broker) CreateSender(_ context.Context, destination topology.EntityAddress) (broker.MessageSender, error) {
	return &sender{broker: b, destination: destination}, nil
}

type receiver struct {
	broker *Broker
	path   string
	mode   broker.ReceiveMode
	closed bool
}

func (r *receiver) Receive(ctx context.Context) (*broker.Message, error) {
	b := r.broker
	key := strings.ToLower(r.path)
	for {
		b.mu.Lock()
		if r.closed {
			b.mu.Unlock()
			return nil, broker.ErrReleased
		}
		if errs := b.receiveErrs[key]; len(errs) > 0 {
			b.receiveErrs[key] = errs[1:]
			b.mu.Unlock()
			return nil, errs[0]
		}
		e := b.entity(r.path)
		if len(e.queue) > 0 {
			msg := e.queue[0]
			e.queue = e.queue[1:]
			msg.DeliveryCount++
			out := *msg
			out.Headers = msg.Headers.Clone()
			if r.mode == broker.PeekLock {
				out.LockToken = ids.CreateULID()
				e.locked[out.LockToken] = msg
			}
			b.mu.Unlock()
			return &out, nil
		}
		wake := e.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-wake:
		}
	}
}

func (r *receiver) Complete(_ context.Context, token string) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completeErr != nil {
		return b.completeErr
	}
	e := b.entity(r.path)
	if _, ok := e.locked[token]; !ok {
		return fmt.Errorf("token %s: %w", token, broker.ErrLockLost)
	}
	delete(e.locked, token)
	return nil
}

func (r *receiver) Abandon(_ context.Context, token string) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.abandonErr != nil {
		return b.abandonErr
	}
	e := b.entity(r.path)
	msg, ok := e.locked[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, broker.ErrLockLost)
	}
	delete(e.locked, token)
	e.queue = append(e.queue, msg)
	e.signal()
	return nil
}

func (r *receiver) Close() error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !r.closed {
		r.closed = true
		b.receiversClosed++
	}
	return nil
}

type sender struct {
	broker      *Broker
	destination topology.EntityAddress
}

func (s *sender) Send(_ context.Context, batch []*broker.OutgoingMessage) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	copied := make([]*broker.OutgoingMessage, len(batch))
	copy(copied, batch)
	b.sent = append(b.sent, SentBatch{Destination: s.destination, Messages: copied})

	e := b.entity(s.destination.Path)
	for _, m := range batch {
		headers := m.Headers.Clone()
		if s.destination.Via != "" {
			headers[metadata.Via] = s.destination.Via
		}
		e.queue = append(e.queue, &broker.Message{ID: m.ID, Body: m.Body, Headers: headers, EnqueuedAt: time.Now()})
	}
	e.signal()
	return nil
}

func (s *sender) Close() error { return nil }
