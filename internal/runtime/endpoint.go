package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/sbflow/internal/runtime/broker"
	configpkg "github.com/drblury/sbflow/internal/runtime/config"
	"github.com/drblury/sbflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/sbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/metrics"
	"github.com/drblury/sbflow/internal/runtime/namespace"
	"github.com/drblury/sbflow/internal/runtime/operator"
	"github.com/drblury/sbflow/internal/runtime/routing"
	"github.com/drblury/sbflow/internal/runtime/topology"
	"github.com/drblury/sbflow/transport"
)

// MessageHandler handles one inbound message of any pump of the endpoint.
type MessageHandler = operator.MessageHandler

// ErrorHandler is told about faults the pumps could not recover from.
type ErrorHandler = operator.ErrorHandler

// EndpointDependencies holds the optional collaborators of an Endpoint.
// Leave fields nil to use the defaults.
type EndpointDependencies struct {
	// Registry builds the namespace transports. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// ClientFactory replaces the transports of every namespace, for example
	// with an in-memory broker in tests.
	ClientFactory broker.ClientFactory
	// Registerer and Gatherer back the metrics. Default to the Prometheus defaults.
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	Conventions routing.Conventions
	Converter   dispatch.Converter
	Hooks       MessageHooks
}

// Endpoint wires the namespaces, transports, topology operator, dispatcher
// and publisher routing of one logical endpoint.
type Endpoint struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	namespaces   *namespace.Namespaces
	partitioning namespace.PartitioningStrategy
	factory      broker.ClientFactory
	router       *transport.Router
	capabilities map[string]transport.Capabilities

	metrics    *metrics.Recorder
	gatherer   prometheus.Gatherer
	operator   *operator.Operator
	batcher    *dispatch.Batcher
	dispatcher *dispatch.Dispatcher
	publishers *routing.Publishers
	hooks      MessageHooks
	resources  *resourceTracker

	mu            sync.Mutex
	onMessage     MessageHandler
	onError       ErrorHandler
	middlewares   []Middleware
	subscriptions map[reflect.Type][]topology.EntityAddress
	startedAt     time.Time

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
}

// NewEndpoint validates conf and builds an Endpoint. Transports are opened
// right away; nothing is received before Start.
func NewEndpoint(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps EndpointDependencies) (*Endpoint, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}

	log.Info("Creating endpoint", loggingpkg.LogFields{
		"endpoint": conf.EndpointName,
		"config":   conf,
	})

	e := &Endpoint{
		Conf:          conf,
		Logger:        log,
		namespaces:    namespace.NewNamespaces(),
		capabilities:  make(map[string]transport.Capabilities),
		publishers:    routing.NewPublishers(deps.Conventions),
		hooks:         deps.Hooks,
		resources:     newResourceTracker(),
		subscriptions: make(map[reflect.Type][]topology.EntityAddress),
		gatherer:      deps.Gatherer,
	}

	if err := e.registerNamespaces(); err != nil {
		return nil, err
	}
	partitioning, err := e.newPartitioning()
	if err != nil {
		return nil, err
	}
	e.partitioning = partitioning

	if conf.MetricsEnabled {
		e.metrics = metrics.New(deps.Registerer)
		if err := e.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if e.gatherer == nil {
			e.gatherer = prometheus.DefaultGatherer
		}
		e.registerMetricsHandlers()
	}

	e.factory = deps.ClientFactory
	if e.factory == nil {
		if err := e.openTransports(ctx, deps.Registry); err != nil {
			return nil, err
		}
		e.factory = e.router
	}

	e.operator = operator.New(e.factory, log, operator.Options{
		ReceiveMode:         conf.ReceiveModeValue(),
		PerPumpConcurrency:  conf.PerPumpConcurrency,
		ReceiveTimeout:      conf.ReceiveTimeout,
		ReconnectBackoff:    conf.ReconnectBackoff,
		MaxReconnectBackoff: conf.MaxReconnectBackoff,
		Metrics:             e.metrics,
	})
	e.batcher = dispatch.NewBatcher(e.factory, log, dispatch.BatcherOptions{
		MaxMessagesPerBatch: conf.MaxMessagesPerBatch,
		MaxBatchBytes:       conf.MaxBatchBytes,
		SendViaReceiveQueue: conf.SendViaReceiveQueue,
		Converter:           deps.Converter,
		LimitsFor:           e.limitsFor,
		Metrics:             e.metrics,
	})
	e.dispatcher = dispatch.NewDispatcher(e.batcher, log, e.metrics)
	return e, nil
}

func (e *Endpoint) registerNamespaces() error {
	for _, nsCfg := range e.Conf.Namespaces {
		purpose, err := namespace.ParsePurpose(nsCfg.Purpose)
		if err != nil {
			return err
		}
		if _, err := e.namespaces.Add(nsCfg.Alias, nsCfg.ConnectionString, purpose); err != nil {
			return fmt.Errorf("namespace %s: %w", nsCfg.Alias, err)
		}
	}
	return nil
}

// newPartitioning pins single partitioning to the default namespace when
// several partitioning namespaces are configured.
func (e *Endpoint) newPartitioning() (namespace.PartitioningStrategy, error) {
	single := e.Conf.Partitioning == "" || strings.EqualFold(e.Conf.Partitioning, configpkg.DefaultPartitioning)
	if single && e.Conf.DefaultNamespace != "" {
		info, ok := e.namespaces.Get(e.Conf.DefaultNamespace)
		if !ok {
			return nil, fmt.Errorf("%w: default namespace %q", errspkg.ErrUnknownNamespace, e.Conf.DefaultNamespace)
		}
		return namespace.NewSinglePartitioning([]namespace.Info{info})
	}
	return namespace.NewPartitioningStrategy(e.Conf.Partitioning, e.namespaces)
}

func (e *Endpoint) openTransports(ctx context.Context, registry *transport.Registry) error {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	wmLogger := loggingpkg.NewWatermillAdapter(e.Logger)
	e.router = transport.NewRouter()

	for _, nsCfg := range e.Conf.Namespaces {
		info, _ := e.namespaces.Get(nsCfg.Alias)
		client, err := transport.Open(ctx, registry, info, &nsCfg.Transport, wmLogger, transport.ClientOptions{
			LockDuration: e.Conf.LockDuration,
		})
		if err != nil {
			return errors.Join(err, e.router.Close())
		}
		e.router.Add(info.Key(), client)
		e.capabilities[info.Key()] = client.Capabilities()
		e.Logger.Debug("Namespace transport opened", loggingpkg.LogFields{
			"namespace": info.Alias,
			"backend":   nsCfg.Transport.Backend,
		})
	}
	return nil
}

// limitsFor narrows batches to what the destination transport accepts.
func (e *Endpoint) limitsFor(dest topology.EntityAddress) dispatch.Limits {
	caps, ok := e.capabilities[dest.Namespace.Key()]
	if !ok {
		return dispatch.Limits{}
	}
	return dispatch.Limits{MaxBytes: caps.BatchLimit()}
}

// OnMessage registers the handler for every inbound message. It must be
// called before Start.
func (e *Endpoint) OnMessage(handler MessageHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.operator.State() != operator.Stopped {
		return errspkg.ErrAlreadyStarted
	}
	e.onMessage = handler
	return nil
}

// OnError registers the fault handler. Without one, faults are only logged.
func (e *Endpoint) OnError(handler ErrorHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.operator.State() != operator.Stopped {
		return errspkg.ErrAlreadyStarted
	}
	e.onError = handler
	return nil
}

// InputQueue returns the address of the endpoint's input queue.
func (e *Endpoint) InputQueue() (topology.EntityAddress, error) {
	info, err := e.partitioning.Namespace(e.Conf.InputQueue)
	if err != nil {
		return topology.EntityAddress{}, err
	}
	return topology.EntityAddress{Path: e.Conf.InputQueue, Type: topology.Queue, Namespace: info}, nil
}

// Start begins receiving from the input queue and every subscription made
// so far. It returns without waiting for messages.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onMessage == nil {
		return errspkg.ErrHandlerRequired
	}
	input, err := e.InputQueue()
	if err != nil {
		return err
	}

	if err := e.operator.OnIncomingMessage(e.hooks.wrap(chain(e.onMessage, e.middlewares))); err != nil {
		return err
	}
	if e.onError != nil {
		if err := e.operator.OnError(e.onError); err != nil {
			return err
		}
	}

	entities := append([]topology.EntityAddress{input}, e.subscribedEntitiesLocked()...)
	if err := e.operator.Start(ctx, topology.NewSection(0, entities...), e.Conf.MaxConcurrency); err != nil {
		return err
	}
	e.startedAt = time.Now()
	e.startHTTPServers()
	return nil
}

// Stop stops receiving and waits for in-flight handlers within ctx. Sends
// remain possible until Close.
func (e *Endpoint) Stop(ctx context.Context) error {
	err := e.operator.Stop(ctx)
	return errors.Join(err, e.stopHTTPServers(ctx))
}

// Close stops the endpoint and releases senders and transports.
func (e *Endpoint) Close(ctx context.Context) error {
	errs := []error{e.Stop(ctx), e.batcher.Close()}
	if e.router != nil {
		errs = append(errs, e.router.Close())
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of the receive side.
func (e *Endpoint) State() operator.State {
	return e.operator.State()
}

// Namespaces returns the configured namespaces.
func (e *Endpoint) Namespaces() []namespace.Info {
	return e.namespaces.All()
}

// Publishers returns the publisher routing table used by Subscribe.
func (e *Endpoint) Publishers() *routing.Publishers {
	return e.publishers
}

// Subscribe starts receiving messageType from every endpoint mapped as its
// publisher, through one subscription per publisher topic.
func (e *Endpoint) Subscribe(ctx context.Context, messageType reflect.Type) error {
	entities, err := e.subscriptionEntities(messageType)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions[routing.Normalize(messageType)] = entities
	if e.operator.State() != operator.Running {
		return nil
	}
	return e.operator.StartEntities(ctx, topology.NewSection(0, entities...))
}

// Unsubscribe stops the subscriptions of messageType that no other
// subscribed type still needs.
func (e *Endpoint) Unsubscribe(ctx context.Context, messageType reflect.Type) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := routing.Normalize(messageType)
	entities, ok := e.subscriptions[key]
	if !ok {
		return nil
	}
	delete(e.subscriptions, key)

	stillUsed := make(map[string]struct{})
	for _, entity := range e.subscribedEntitiesLocked() {
		stillUsed[entity.Key()] = struct{}{}
	}
	var stop []topology.EntityAddress
	for _, entity := range entities {
		if _, used := stillUsed[entity.Key()]; !used {
			stop = append(stop, entity)
		}
	}
	if len(stop) == 0 || e.operator.State() != operator.Running {
		return nil
	}
	return e.operator.StopEntities(ctx, topology.NewSection(0, stop...))
}

func (e *Endpoint) subscriptionEntities(messageType reflect.Type) ([]topology.EntityAddress, error) {
	publishers, err := e.publishers.PublishersFor(messageType)
	if err != nil {
		return nil, err
	}
	entities := make([]topology.EntityAddress, 0, len(publishers))
	for _, publisher := range publishers {
		topic := topology.TopicPath(publisher)
		info, err := e.partitioning.Namespace(topic)
		if err != nil {
			return nil, err
		}
		entities = append(entities, topology.EntityAddress{
			Path:      topology.SubscriptionPath(topic, e.Conf.EndpointName),
			Type:      topology.Subscription,
			Namespace: info,
		})
	}
	return entities, nil
}

func (e *Endpoint) subscribedEntitiesLocked() []topology.EntityAddress {
	seen := make(map[string]struct{})
	var out []topology.EntityAddress
	for _, entities := range e.subscriptions {
		for _, entity := range entities {
			if _, ok := seen[entity.Key()]; ok {
				continue
			}
			seen[entity.Key()] = struct{}{}
			out = append(out, entity)
		}
	}
	return out
}

// MessageCount returns the number of messages waiting on destination,
// written as in Send.
func (e *Endpoint) MessageCount(ctx context.Context, destination string) (int64, error) {
	entity, err := e.resolve(destination, topology.Queue)
	if err != nil {
		return 0, err
	}
	qi, ok := e.factory.(broker.QueueIntrospector)
	if !ok {
		return 0, fmt.Errorf("message count of %s: %w", entity, errors.ErrUnsupported)
	}
	return qi.MessageCount(ctx, entity)
}
