package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("runlet: service is required")
	ErrHandlerRequired      = sterrors.New("runlet: handler function is required")
	ErrBindingKeyRequired   = sterrors.New("runlet: binding key is required")
	ErrHandlerNameRequired  = sterrors.New("runlet: handler name is required")
	ErrDuplicateBindingKey  = sterrors.New("runlet: binding key already registered for transport kind")
	ErrNoHandler            = sterrors.New("runlet: no handler registered for binding key")
	ErrModuleNameRequired   = sterrors.New("runlet: module name is required")
	ErrModuleLoaderRequired = sterrors.New("runlet: module loader is required")
	ErrDuplicateModule      = sterrors.New("runlet: module already registered")
	ErrProtectedModule      = sterrors.New("runlet: protected module cannot be removed")
	ErrConfigRequired       = sterrors.New("runlet: config is required")
	ErrLoggerRequired       = sterrors.New("runlet: logger is required")
	ErrTopicRequired        = sterrors.New("runlet: topic is required")
	ErrQueueRequired        = sterrors.New("runlet: queue is required")
	ErrConsumerClosed       = sterrors.New("runlet: consumer is closed")
	ErrSupervisorStopped    = sterrors.New("runlet: supervisor is stopped")
	ErrUnknownReceipt       = sterrors.New("runlet: unknown receipt token")

	ErrPointerToStructRequired = sterrors.New("runlet: typed handler payload must be a pointer to a struct")
)

// BindingError reports a payload that could not be bound to a handler's
// declared parameters. Binding errors are surfaced to the caller and never
// retried.
type BindingError struct {
	BindingKey string
	Missing    []string
	Err        error
}

func (e *BindingError) Error() string {
	msg := "runlet: binding failed for " + e.BindingKey
	for i, name := range e.Missing {
		if i == 0 {
			msg += ": missing required parameters: " + name
			continue
		}
		msg += ", " + name
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BindingError) Unwrap() error { return e.Err }

// ReloadError wraps a module loader failure during a reload cycle. The
// previous working module set stays loaded when a reload fails with this.
type ReloadError struct {
	Module string
	Err    error
}

func (e *ReloadError) Error() string {
	return "runlet: reload of module " + e.Module + " failed: " + e.Err.Error()
}

func (e *ReloadError) Unwrap() error { return e.Err }
