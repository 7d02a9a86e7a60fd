package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	"github.com/runlet-io/runlet/internal/runtime/jsoncodec"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	metadatapkg "github.com/runlet-io/runlet/internal/runtime/metadata"
)

// TopicHandlerRegistration wires a raw handler to a pub/sub topic.
type TopicHandlerRegistration struct {
	Name    string
	Topic   string
	Schema  []ParamSpec
	Handler HandlerFunc
}

// HTTPHandlerRegistration wires a raw handler to an HTTP route.
type HTTPHandlerRegistration struct {
	Name    string
	Method  string
	Pattern string
	Schema  []ParamSpec
	Handler HandlerFunc
}

// RegisterTopicHandler adds a topic handler to the builder.
func RegisterTopicHandler(b *RegistryBuilder, cfg TopicHandlerRegistration) error {
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	return b.Add(HandlerEntry{
		Kind:    KindQueue,
		Key:     cfg.Topic,
		Name:    cfg.Name,
		Schema:  cfg.Schema,
		Handler: cfg.Handler,
	})
}

// RegisterHTTPHandler adds an HTTP route handler to the builder.
func RegisterHTTPHandler(b *RegistryBuilder, cfg HTTPHandlerRegistration) error {
	if cfg.Method == "" || cfg.Pattern == "" {
		return errspkg.ErrBindingKeyRequired
	}
	return b.Add(HandlerEntry{
		Kind:    KindHTTP,
		Key:     HTTPBindingKey(strings.ToUpper(cfg.Method), cfg.Pattern),
		Name:    cfg.Name,
		Schema:  cfg.Schema,
		Handler: cfg.Handler,
	})
}

// JSONMessageContext exposes the decoded payload and metadata to typed
// handlers.
type JSONMessageContext[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// JSONMessageHandler processes a decoded JSON payload.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) (*Result, error)

// JSONTopicHandlerRegistration wires a typed JSON handler to a topic. The
// parameter schema is derived from T's struct tags unless given explicitly.
type JSONTopicHandlerRegistration[T any] struct {
	Name    string
	Topic   string
	Schema  []ParamSpec
	Handler JSONMessageHandler[T]
}

// RegisterJSONTopicHandler converts the typed handler into a HandlerFunc
// and adds it to the builder. T must be a pointer to a struct.
func RegisterJSONTopicHandler[T any](b *RegistryBuilder, cfg JSONTopicHandlerRegistration[T]) error {
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	wrapped, err := BuildJSONHandler(cfg.Handler)
	if err != nil {
		return err
	}
	schema := cfg.Schema
	if schema == nil {
		schema, err = SchemaFor[T]()
		if err != nil {
			return err
		}
	}
	if cfg.Name == "" {
		var zero T
		cfg.Name = fmt.Sprintf("%T-Handler", zero)
	}
	return b.Add(HandlerEntry{
		Kind:    KindQueue,
		Key:     cfg.Topic,
		Name:    cfg.Name,
		Schema:  schema,
		Handler: wrapped,
	})
}

// BuildJSONHandler converts a typed JSON handler into a HandlerFunc.
func BuildJSONHandler[T any](handler JSONMessageHandler[T]) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		typed := prototypeFactory()
		if err := jsoncodec.Unmarshal(inv.Raw, typed); err != nil {
			return nil, &errspkg.BindingError{BindingKey: inv.BindingKey, Err: err}
		}
		return handler(ctx, JSONMessageContext[T]{
			Payload:  typed,
			Metadata: inv.Metadata,
			Logger:   inv.Logger,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errspkg.ErrPointerToStructRequired
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// SchemaFor derives the parameter schema from T's exported struct fields. A
// field is optional when it is a pointer or its json tag says omitempty;
// everything else is required.
func SchemaFor[T any]() ([]ParamSpec, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errspkg.ErrPointerToStructRequired
	}

	elem := typ.Elem()
	specs := make([]ParamSpec, 0, elem.NumField())
	for i := 0; i < elem.NumField(); i++ {
		field := elem.Field(i)
		if !field.IsExported() {
			continue
		}

		name := field.Name
		omitempty := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}

		specs = append(specs, ParamSpec{
			Name:     name,
			Required: !omitempty && field.Type.Kind() != reflect.Ptr,
		})
	}
	return specs, nil
}
