package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/runlet-io/runlet/internal/runtime/ids"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
)

// Middleware wraps a handler with cross-cutting behaviour. Middlewares run
// for every dispatch regardless of transport kind.
type Middleware func(HandlerFunc) HandlerFunc

// MiddlewareRegistration captures a named middleware for the dispatcher chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor. Order matters: the recoverer sits innermost so panics
// surface as handler errors through every other middleware.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger, metrics *Metrics) []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		MetricsMiddleware(metrics),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each invocation carries a correlation
// identifier in its metadata.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (*Result, error) {
				if inv.Metadata.Get(MetadataKeyCorrelationID) == "" {
					inv.Metadata = inv.Metadata.With(MetadataKeyCorrelationID, idspkg.CreateULID())
				}
				return h(ctx, inv)
			}
		},
	}
}

// LogMessagesMiddleware logs every invocation and its outcome.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return MiddlewareRegistration{
		Name: "log_messages",
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (*Result, error) {
				logger.Debug("Dispatching", loggingpkg.LogFields{
					"kind":           string(inv.Kind),
					"binding_key":    inv.BindingKey,
					"correlation_id": inv.Metadata.Get(MetadataKeyCorrelationID),
				})
				result, err := h(ctx, inv)
				if err != nil {
					logger.Warn("Handler failed", loggingpkg.LogFields{
						"kind":           string(inv.Kind),
						"binding_key":    inv.BindingKey,
						"correlation_id": inv.Metadata.Get(MetadataKeyCorrelationID),
						"error":          err.Error(),
					})
				}
				return result, err
			}
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (*Result, error) {
				tracer := otel.Tracer("runlet")
				ctx, span := tracer.Start(ctx, "Dispatch",
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(
						attribute.String("runlet.kind", string(inv.Kind)),
						attribute.String("runlet.binding_key", inv.BindingKey),
					),
				)
				defer span.End()

				result, err := h(ctx, inv)
				if err != nil {
					span.RecordError(err)
				}
				return result, err
			}
		},
	}
}

// MetricsMiddleware records dispatch duration per handler. A nil Metrics
// yields a pass-through registration.
func MetricsMiddleware(metrics *Metrics) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (*Result, error) {
				start := time.Now()
				result, err := h(ctx, inv)
				metrics.observeDispatch(inv.Kind, inv.BindingKey, time.Since(start))
				return result, err
			}
		},
	}
}

// RecovererMiddleware converts handler panics into errors so queue
// transports can return the message for redelivery.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (result *Result, err error) {
				defer func() {
					if r := recover(); r != nil {
						result = nil
						err = fmt.Errorf("handler panic: %v", r)
					}
				}()
				return h(ctx, inv)
			}
		},
	}
}
