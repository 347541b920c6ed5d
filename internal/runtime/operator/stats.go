package operator

import "sync/atomic"

// Stats is a snapshot of operator activity since creation.
type Stats struct {
	Pumps       int    `json:"pumps"`
	InFlight    int64  `json:"in_flight"`
	MaxInFlight int64  `json:"max_in_flight"`
	Received    uint64 `json:"received"`
	Completed   uint64 `json:"completed"`
	Abandoned   uint64 `json:"abandoned"`
	Faults      uint64 `json:"faults"`
}

type counters struct {
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	received    atomic.Uint64
	completed   atomic.Uint64
	abandoned   atomic.Uint64
	faults      atomic.Uint64
}

func (c *counters) begin() {
	c.received.Add(1)
	n := c.inFlight.Add(1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *counters) end() {
	c.inFlight.Add(-1)
}

func (c *counters) snapshot() Stats {
	return Stats{
		InFlight:    c.inFlight.Load(),
		MaxInFlight: c.maxInFlight.Load(),
		Received:    c.received.Load(),
		Completed:   c.completed.Load(),
		Abandoned:   c.abandoned.Load(),
		Faults:      c.faults.Load(),
	}
}
