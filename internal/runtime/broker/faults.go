package broker

import (
	"context"
	"errors"
)

// Fault classes reported by broker operations. Implementations wrap them so
// callers can match with errors.Is.
var (
	ErrLockLost            = errors.New("sbflow: message lock lost")
	ErrMessaging           = errors.New("sbflow: messaging failure")
	ErrReleased            = errors.New("sbflow: client already released")
	ErrTransactionResolved = errors.New("sbflow: transaction already resolved")
	ErrTimeout             = errors.New("sbflow: operation timed out")
)

// FaultClass names a recognized broker race.
type FaultClass string

const (
	FaultNone        FaultClass = ""
	FaultLockLost    FaultClass = "lock_lost"
	FaultMessaging   FaultClass = "messaging"
	FaultReleased    FaultClass = "released"
	FaultTransaction FaultClass = "transaction"
	FaultTimeout     FaultClass = "timeout"
)

// Classify maps err to its fault class. Unrecognized errors return FaultNone.
func Classify(err error) FaultClass {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrLockLost):
		return FaultLockLost
	case errors.Is(err, ErrMessaging):
		return FaultMessaging
	case errors.Is(err, ErrReleased):
		return FaultReleased
	case errors.Is(err, ErrTransactionResolved):
		return FaultTransaction
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FaultTimeout
	default:
		return FaultNone
	}
}

// IsTransient reports whether err means the client connection should be
// recreated before trying again.
func IsTransient(err error) bool {
	switch Classify(err) {
	case FaultMessaging, FaultReleased, FaultTimeout:
		return true
	default:
		return false
	}
}
