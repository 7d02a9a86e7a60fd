package runtime

import (
	"context"
	stderrors "errors"
	"fmt"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	"github.com/runlet-io/runlet/internal/runtime/jsoncodec"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	metadatapkg "github.com/runlet-io/runlet/internal/runtime/metadata"
)

// Disposition classifies a dispatch outcome. The transport decides what to
// do with each class; the dispatcher never acks, nacks, or writes responses.
type Disposition int

const (
	DispositionSuccess Disposition = iota
	// DispositionNotFound: no handler for the binding key. A configuration
	// error, not a transient failure; queue transports discard, HTTP
	// responds 404.
	DispositionNotFound
	// DispositionBindingError: the payload could not be bound to the
	// handler's declared parameters. Surfaced to the caller, never retried.
	DispositionBindingError
	// DispositionHandlerError: the handler returned an error or panicked.
	// Queue transports nack for redelivery, HTTP responds 500.
	DispositionHandlerError
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionNotFound:
		return "not_found"
	case DispositionBindingError:
		return "binding_error"
	case DispositionHandlerError:
		return "handler_error"
	default:
		return "unknown"
	}
}

// Outcome is the dispatcher's verdict on one unit of inbound work.
type Outcome struct {
	Disposition Disposition
	Result      *Result
	Err         error
}

// Dispatcher maps inbound work to registered handlers. It reads the current
// registry through a snapshot function so reloads swap registries without
// racing in-flight dispatches.
type Dispatcher struct {
	registry func() *Registry
	logger   loggingpkg.ServiceLogger
	chain    []Middleware
	stats    *dispatchStats
}

// NewDispatcher constructs a dispatcher over the given registry snapshot
// source and middleware chain. Middlewares wrap handlers outermost-first.
func NewDispatcher(registry func() *Registry, logger loggingpkg.ServiceLogger, registrations []MiddlewareRegistration) *Dispatcher {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	chain := make([]Middleware, 0, len(registrations))
	for _, reg := range registrations {
		if reg.Middleware != nil {
			chain = append(chain, reg.Middleware)
		}
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		chain:    chain,
		stats:    newDispatchStats(),
	}
}

// Dispatch looks up the handler for the binding key, binds the raw payload
// to its declared parameters, and executes it through the middleware chain.
func (d *Dispatcher) Dispatch(ctx context.Context, kind TransportKind, key string, raw []byte, meta metadatapkg.Metadata) Outcome {
	entry := d.registry().Lookup(kind, key)
	if entry == nil {
		d.logger.Warn("No handler for binding key", loggingpkg.LogFields{
			"kind":        string(kind),
			"binding_key": key,
		})
		return Outcome{
			Disposition: DispositionNotFound,
			Err:         fmt.Errorf("%w: %s %q", errspkg.ErrNoHandler, kind, key),
		}
	}

	params, err := bindParams(key, raw, entry.Schema)
	if err != nil {
		return Outcome{Disposition: DispositionBindingError, Err: err}
	}

	inv := &Invocation{
		Kind:       kind,
		BindingKey: key,
		Params:     params,
		Raw:        raw,
		Metadata:   meta.Clone(),
		Logger:     d.logger.With(loggingpkg.LogFields{"handler": entry.Name}),
	}

	handler := entry.Handler
	for i := len(d.chain) - 1; i >= 0; i-- {
		handler = d.chain[i](handler)
	}

	result, err := handler(ctx, inv)
	d.stats.record(entry.Name, err)
	if err != nil {
		// Typed handlers report undecodable payloads as binding errors;
		// those will not improve on redelivery.
		var bindErr *errspkg.BindingError
		if stderrors.As(err, &bindErr) {
			return Outcome{Disposition: DispositionBindingError, Err: err}
		}
		return Outcome{Disposition: DispositionHandlerError, Err: err}
	}
	return Outcome{Disposition: DispositionSuccess, Result: result}
}

// Stats returns a snapshot of per-handler counters.
func (d *Dispatcher) Stats() []HandlerStats {
	return d.stats.snapshot()
}

// bindParams parses the raw payload and checks the declared schema. An
// empty payload binds no parameters; required parameters must be present
// and non-null.
func bindParams(key string, raw []byte, schema []ParamSpec) (map[string]any, error) {
	var params map[string]any
	if len(raw) > 0 {
		parsed, err := jsoncodec.UnmarshalObject(raw)
		if err != nil {
			return nil, &errspkg.BindingError{BindingKey: key, Err: err}
		}
		params = parsed
	}

	var missing []string
	for _, spec := range schema {
		if !spec.Required {
			continue
		}
		if value, ok := params[spec.Name]; !ok || value == nil {
			missing = append(missing, spec.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &errspkg.BindingError{BindingKey: key, Missing: missing}
	}
	return params, nil
}
