package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	require.NoError(t, rec.Register())
	require.NoError(t, rec.Register())

	other := New(reg)
	assert.NoError(t, other.Register(), "already registered collectors are tolerated")
}

func TestSecondRecorderSharesRegisteredSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	require.NoError(t, first.Register())
	second := New(reg)
	require.NoError(t, second.Register())

	first.MessageReceived("orders")
	second.MessageReceived("orders")
	first.ActionDeferred()
	second.ActionDeferred()

	expected := `
# HELP sbflow_pump_messages_received_total Messages handed to the incoming message handler
# TYPE sbflow_pump_messages_received_total counter
sbflow_pump_messages_received_total{entity="orders"} 2
# HELP sbflow_dispatch_deferred_actions_total Send actions deferred until the inbound message completes
# TYPE sbflow_dispatch_deferred_actions_total counter
sbflow_dispatch_deferred_actions_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sbflow_pump_messages_received_total", "sbflow_dispatch_deferred_actions_total"))
	assert.Same(t, first.received, second.received)
}

func TestRegisterRejectsConflictingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sbflow_pump_messages_received_total",
		Help: "Something else",
	}, []string{"entity"})))

	err := New(reg).Register()
	assert.Error(t, err)
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)
	require.NoError(t, rec.Register())

	rec.MessageReceived("orders")
	rec.MessageReceived("orders")
	rec.HandlerFinished("orders", time.Millisecond, nil)
	rec.HandlerFinished("orders", time.Millisecond, errors.New("boom"))
	rec.MessageCompleted("orders")
	rec.MessageAbandoned("orders")
	rec.MessageDeadLettered("orders")
	rec.ReceiveFault("orders")
	rec.AckSwallowed("complete", "lock_lost")
	rec.BatchSent("billing", 3)
	rec.SendFault("billing")
	rec.ActionDeferred()
	rec.ActionsDiscarded(2)
	rec.ActionsDiscarded(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.received.WithLabelValues("orders")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.inFlight.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.handlerFaults.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.completed.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.abandoned.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.deadLettered.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.receiveFaults.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.ackSwallowed.WithLabelValues("complete", "lock_lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.batchesSent.WithLabelValues("billing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.messagesSent.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.sendFaults.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.deferred))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.discarded))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		require.NoError(t, rec.Register())
		rec.MessageReceived("x")
		rec.HandlerFinished("x", 0, nil)
		rec.MessageCompleted("x")
		rec.MessageAbandoned("x")
		rec.MessageDeadLettered("x")
		rec.ReceiveFault("x")
		rec.AckSwallowed("abandon", "timeout")
		rec.BatchSent("x", 1)
		rec.SendFault("x")
		rec.ActionDeferred()
		rec.ActionsDiscarded(1)
	})
}
