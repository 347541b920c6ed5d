package operator

import (
	"errors"
	"fmt"

	"github.com/drblury/sbflow/internal/runtime/topology"
)

// ErrHandlerPanic marks a fault raised by a panicking message handler.
var ErrHandlerPanic = errors.New("sbflow: message handler panicked")

// Stage tells where in the pump a fault happened.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageReceive  Stage = "receive"
	StageHandle   Stage = "handle"
	StageComplete Stage = "complete"
	StageAbandon  Stage = "abandon"
	StageDeferred Stage = "deferred"
)

// Fault is the error passed to the error handler.
type Fault struct {
	Stage     Stage
	Entity    topology.EntityAddress
	MessageID string
	Err       error
}

func (f *Fault) Error() string {
	if f.MessageID == "" {
		return fmt.Sprintf("%s %s: %v", f.Stage, f.Entity, f.Err)
	}
	return fmt.Sprintf("%s %s message %s: %v", f.Stage, f.Entity, f.MessageID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
