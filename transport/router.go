package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/sbflow/internal/runtime/broker"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	"github.com/drblury/sbflow/internal/runtime/topology"
)

// NamespaceClient is the client of one namespace.
type NamespaceClient interface {
	broker.ClientFactory
	Close() error
}

// Router picks the namespace client for an entity by its namespace identity.
type Router struct {
	mu      sync.RWMutex
	clients map[string]NamespaceClient
}

var _ broker.ClientFactory = (*Router)(nil)
var _ broker.QueueIntrospector = (*Router)(nil)

func NewRouter() *Router {
	return &Router{clients: make(map[string]NamespaceClient)}
}

// Add registers client for the namespace identified by key, replacing any
// previous client.
func (r *Router) Add(key string, client NamespaceClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[key] = client
}

func (r *Router) client(entity topology.EntityAddress) (NamespaceClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[entity.Namespace.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownNamespace, entity)
	}
	return c, nil
}

func (r *Router) CreateReceiver(ctx context.Context, entity topology.EntityAddress, mode broker.ReceiveMode) (broker.MessageReceiver, error) {
	c, err := r.client(entity)
	if err != nil {
		return nil, err
	}
	return c.CreateReceiver(ctx, entity, mode)
}

func (r *Router) CreateSender(ctx context.Context, destination topology.EntityAddress) (broker.MessageSender, error) {
	c, err := r.client(destination)
	if err != nil {
		return nil, err
	}
	return c.CreateSender(ctx, destination)
}

func (r *Router) MessageCount(ctx context.Context, entity topology.EntityAddress) (int64, error) {
	c, err := r.client(entity)
	if err != nil {
		return 0, err
	}
	qi, ok := c.(broker.QueueIntrospector)
	if !ok {
		return 0, fmt.Errorf("message count of %s: %w", entity, errors.ErrUnsupported)
	}
	return qi.MessageCount(ctx, entity)
}

// Close closes every namespace client.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.clients, key)
	}
	return errors.Join(errs...)
}
