package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sbflow"

// Recorder owns the Prometheus collectors of the receive and dispatch paths.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	received        *prometheus.CounterVec
	completed       *prometheus.CounterVec
	abandoned       *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	handlerFaults   *prometheus.CounterVec
	receiveFaults   *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	handlerDuration *prometheus.HistogramVec
	ackSwallowed    *prometheus.CounterVec
	batchesSent     *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec
	sendFaults      *prometheus.CounterVec
	batchMessages   *prometheus.HistogramVec
	deferred        prometheus.Counter
	discarded       prometheus.Counter
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates a Recorder that registers on registerer. A nil registerer
// means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Recorder{
		registerer:    registerer,
		received:      newCounterVec("pump", "messages_received_total", "Messages handed to the incoming message handler", "entity"),
		completed:     newCounterVec("pump", "messages_completed_total", "Messages completed after successful handling", "entity"),
		abandoned:     newCounterVec("pump", "messages_abandoned_total", "Messages abandoned after a handler fault", "entity"),
		deadLettered:  newCounterVec("pump", "messages_dead_lettered_total", "Messages forwarded to an error queue", "entity"),
		handlerFaults: newCounterVec("pump", "handler_faults_total", "Faults raised by the incoming message handler", "entity"),
		receiveFaults: newCounterVec("pump", "receive_faults_total", "Faults raised while creating receivers or receiving", "entity"),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "handlers_in_flight",
			Help:      "Handler invocations currently running",
		}, []string{"entity"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the incoming message handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "outcome"}),
		ackSwallowed: newCounterVec("ack", "swallowed_total", "Acknowledgment faults recovered without failing the pump", "operation", "class"),
		batchesSent:  newCounterVec("dispatch", "batches_sent_total", "Batches accepted by the broker", "destination"),
		messagesSent: newCounterVec("dispatch", "messages_sent_total", "Messages accepted by the broker", "destination"),
		sendFaults:   newCounterVec("dispatch", "send_faults_total", "Batches the broker rejected", "destination"),
		batchMessages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_messages",
			Help:      "Messages per sent batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"destination"}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deferred_actions_total",
			Help:      "Send actions deferred until the inbound message completes",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "discarded_actions_total",
			Help:      "Deferred send actions dropped because the inbound message was abandoned",
		}),
	}
}

// Register registers every collector. Safe to call multiple times.
func (r *Recorder) Register() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	// A collector registered earlier, for instance by another Recorder on
	// the same registry, is adopted so both record into one series.
	errs := []error{
		adopt(r.registerer, &r.received),
		adopt(r.registerer, &r.completed),
		adopt(r.registerer, &r.abandoned),
		adopt(r.registerer, &r.deadLettered),
		adopt(r.registerer, &r.handlerFaults),
		adopt(r.registerer, &r.receiveFaults),
		adopt(r.registerer, &r.inFlight),
		adopt(r.registerer, &r.handlerDuration),
		adopt(r.registerer, &r.ackSwallowed),
		adopt(r.registerer, &r.batchesSent),
		adopt(r.registerer, &r.messagesSent),
		adopt(r.registerer, &r.sendFaults),
		adopt(r.registerer, &r.batchMessages),
		adopt(r.registerer, &r.deferred),
		adopt(r.registerer, &r.discarded),
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.registered = true
	return nil
}

// adopt registers *c, replacing it with the already registered collector
// when one with the same descriptor exists.
func adopt[C prometheus.Collector](registerer prometheus.Registerer, c *C) error {
	err := registerer.Register(*c)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return fmt.Errorf("metrics: collector registered as %T, want %T", already.ExistingCollector, *c)
	}
	*c = existing
	return nil
}

func (r *Recorder) MessageReceived(entity string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(entity).Inc()
	r.inFlight.WithLabelValues(entity).Inc()
}

// HandlerFinished records the end of one handler invocation.
func (r *Recorder) HandlerFinished(entity string, took time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "fault"
		r.handlerFaults.WithLabelValues(entity).Inc()
	}
	r.inFlight.WithLabelValues(entity).Dec()
	r.handlerDuration.WithLabelValues(entity, outcome).Observe(took.Seconds())
}

func (r *Recorder) MessageCompleted(entity string) {
	if r == nil {
		return
	}
	r.completed.WithLabelValues(entity).Inc()
}

func (r *Recorder) MessageAbandoned(entity string) {
	if r == nil {
		return
	}
	r.abandoned.WithLabelValues(entity).Inc()
}

func (r *Recorder) MessageDeadLettered(entity string) {
	if r == nil {
		return
	}
	r.deadLettered.WithLabelValues(entity).Inc()
}

func (r *Recorder) ReceiveFault(entity string) {
	if r == nil {
		return
	}
	r.receiveFaults.WithLabelValues(entity).Inc()
}

func (r *Recorder) AckSwallowed(operation, class string) {
	if r == nil {
		return
	}
	r.ackSwallowed.WithLabelValues(operation, class).Inc()
}

func (r *Recorder) BatchSent(destination string, messages int) {
	if r == nil {
		return
	}
	r.batchesSent.WithLabelValues(destination).Inc()
	r.messagesSent.WithLabelValues(destination).Add(float64(messages))
	r.batchMessages.WithLabelValues(destination).Observe(float64(messages))
}

func (r *Recorder) SendFault(destination string) {
	if r == nil {
		return
	}
	r.sendFaults.WithLabelValues(destination).Inc()
}

func (r *Recorder) ActionDeferred() {
	if r == nil {
		return
	}
	r.deferred.Inc()
}

func (r *Recorder) ActionsDiscarded(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.discarded.Add(float64(n))
}
