package errors

import sterrors "errors"

var (
	ErrConfigRequired      = sterrors.New("sbflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("sbflow: logger is required")
	ErrHandlerRequired     = sterrors.New("sbflow: handler function is required")
	ErrFactoryRequired     = sterrors.New("sbflow: client factory is required")
	ErrInvalidFormat       = sterrors.New("sbflow: invalid connection string format")
	ErrUnknownType         = sterrors.New("sbflow: no publishers mapped for message type")
	ErrUnknownNamespace    = sterrors.New("sbflow: unknown namespace")
	ErrDuplicateNamespace  = sterrors.New("sbflow: namespace alias already registered with a different connection string")
	ErrAlreadyStarted      = sterrors.New("sbflow: topology operator already started")
	ErrNotStarted          = sterrors.New("sbflow: topology operator is not running")
	ErrInvalidConcurrency  = sterrors.New("sbflow: maximum concurrency must be positive")
	ErrMessageTooLarge     = sterrors.New("sbflow: message exceeds the maximum batch size")
	ErrDestinationRequired = sterrors.New("sbflow: destination is required")
	ErrContextSettled      = sterrors.New("sbflow: receive context already settled")

	ErrConsumeMessageTypeRequired  = sterrors.New("sbflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("sbflow: consume message type must be a pointer")
)

// ConfigValidationError wraps every problem found while validating a
// configuration so callers can match it with errors.As.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "sbflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
