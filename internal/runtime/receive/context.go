// Package receive holds the per-message state created by a receive pump.
package receive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// Kind is the variant of a receive context, fixed when the context is created.
type Kind int

const (
	// NoContext means the caller is not handling an inbound message.
	NoContext Kind = iota
	ReceiveAndDelete
	PeekLock
)

func (k Kind) String() string {
	switch k {
	case NoContext:
		return "none"
	case ReceiveAndDelete:
		return "receiveanddelete"
	case PeekLock:
		return "peeklock"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is work deferred until the inbound message is completed.
type Action func(ctx context.Context) error

type state int

const (
	pending state = iota
	completed
	abandoned
)

// Context is the state of one in-flight inbound message. It is owned by the
// handler invocation that received it and is passed explicitly to dispatch.
// A nil *Context is the NoContext variant.
type Context struct {
	kind   Kind
	entity topology.EntityAddress

	mu      sync.Mutex
	state   state
	actions []Action
}

// NewContext creates the context for a message received from entity in mode.
func NewContext(entity topology.EntityAddress, mode broker.ReceiveMode) *Context {
	kind := PeekLock
	if mode == broker.ReceiveAndDelete {
		kind = ReceiveAndDelete
	}
	return &Context{kind: kind, entity: entity}
}

func (c *Context) Kind() Kind {
	if c == nil {
		return NoContext
	}
	return c.kind
}

// Entity is the entity the message was received from.
func (c *Context) Entity() topology.EntityAddress {
	if c == nil {
		return topology.EntityAddress{}
	}
	return c.entity
}

// OnComplete queues action to run after the message is completed. It fails
// once the context is settled.
func (c *Context) OnComplete(action Action) error {
	if c == nil {
		return fmt.Errorf("%w: no inbound message", errspkg.ErrContextSettled)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != pending {
		return errspkg.ErrContextSettled
	}
	c.actions = append(c.actions, action)
	return nil
}

// Pending returns how many actions are queued.
func (c *Context) Pending() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// Settled reports whether Complete or Abandon was called.
func (c *Context) Settled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != pending
}

// TransactionEligible reports whether sends may still be coupled to the
// inbound message: only while a peek-locked message is unsettled.
func (c *Context) TransactionEligible() bool {
	return c.Kind() == PeekLock && !c.Settled()
}

// Complete marks the message completed and runs the queued actions one after
// another in registration order. The queue is drained exactly once; later
// calls are no-ops. Every action runs even if an earlier one fails.
func (c *Context) Complete(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.state != pending {
		c.mu.Unlock()
		return nil
	}
	c.state = completed
	actions := c.actions
	c.actions = nil
	c.mu.Unlock()

	var errs []error
	for i, action := range actions {
		if err := action(ctx); err != nil {
			errs = append(errs, fmt.Errorf("deferred action %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Discard drops the queued actions but leaves the message unsettled, so a
// handler can run again on the same delivery. It returns how many were dropped.
func (c *Context) Discard() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.actions)
	c.actions = nil
	return n
}

// Abandon marks the message abandoned and discards the queued actions
// without running them. It returns how many were discarded.
func (c *Context) Abandon() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != pending {
		return 0
	}
	c.state = abandoned
	n := len(c.actions)
	c.actions = nil
	return n
}
