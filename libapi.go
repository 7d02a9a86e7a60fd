package runlet

import (
	runtimepkg "github.com/runlet-io/runlet/internal/runtime"
	configpkg "github.com/runlet-io/runlet/internal/runtime/config"
	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	idspkg "github.com/runlet-io/runlet/internal/runtime/ids"
	jsoncodec "github.com/runlet-io/runlet/internal/runtime/jsoncodec"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	metadatapkg "github.com/runlet-io/runlet/internal/runtime/metadata"
	transportpkg "github.com/runlet-io/runlet/transport"
)

type (
	Config              = configpkg.Config
	Subscription        = configpkg.Subscription
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Transport     = transportpkg.Transport
	QueueProvider = transportpkg.QueueProvider
	Delivery      = transportpkg.Delivery

	TransportKind   = runtimepkg.TransportKind
	ConnectionState = runtimepkg.ConnectionState
	MessageEnvelope = runtimepkg.MessageEnvelope
	Consumer        = runtimepkg.Consumer
	HealthMonitor   = runtimepkg.HealthMonitor
	HealthConfig    = runtimepkg.HealthConfig

	Invocation   = runtimepkg.Invocation
	Result       = runtimepkg.Result
	HandlerFunc  = runtimepkg.HandlerFunc
	HandlerEntry = runtimepkg.HandlerEntry
	HandlerStats = runtimepkg.HandlerStats
	ParamSpec    = runtimepkg.ParamSpec
	Disposition  = runtimepkg.Disposition
	Outcome      = runtimepkg.Outcome

	Registry        = runtimepkg.Registry
	RegistryBuilder = runtimepkg.RegistryBuilder
	ModuleLoader    = runtimepkg.ModuleLoader
	ModuleRecord    = runtimepkg.ModuleRecord
	ModuleSet       = runtimepkg.ModuleSet

	TopicHandlerRegistration            = runtimepkg.TopicHandlerRegistration
	HTTPHandlerRegistration             = runtimepkg.HTTPHandlerRegistration
	JSONTopicHandlerRegistration[T any] = runtimepkg.JSONTopicHandlerRegistration[T]
	JSONMessageContext[T any]           = runtimepkg.JSONMessageContext[T]
	JSONMessageHandler[T any]           = runtimepkg.JSONMessageHandler[T]

	Middleware             = runtimepkg.Middleware
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	FileWatcher = runtimepkg.FileWatcher
	WatchConfig = runtimepkg.WatchConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	BindingError = errspkg.BindingError
	ReloadError  = errspkg.ReloadError
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewRegistryBuilder   = runtimepkg.NewRegistryBuilder
	NewModuleSet         = runtimepkg.NewModuleSet
	RegisterTopicHandler = runtimepkg.RegisterTopicHandler
	RegisterHTTPHandler  = runtimepkg.RegisterHTTPHandler
	HTTPBindingKey       = runtimepkg.HTTPBindingKey

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrBindingKeyRequired  = errspkg.ErrBindingKeyRequired
	ErrDuplicateBindingKey = errspkg.ErrDuplicateBindingKey
	ErrNoHandler           = errspkg.ErrNoHandler
	ErrDuplicateModule     = errspkg.ErrDuplicateModule
	ErrProtectedModule     = errspkg.ErrProtectedModule
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrSupervisorStopped   = errspkg.ErrSupervisorStopped

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Transport kinds for handler entries.
const (
	KindHTTP  = runtimepkg.KindHTTP
	KindQueue = runtimepkg.KindQueue
)

// Consumer connection states.
const (
	StateDisconnected = runtimepkg.StateDisconnected
	StateConnecting   = runtimepkg.StateConnecting
	StateConnected    = runtimepkg.StateConnected
	StateDraining     = runtimepkg.StateDraining
	StateClosed       = runtimepkg.StateClosed
)

// Dispatch dispositions.
const (
	DispositionSuccess      = runtimepkg.DispositionSuccess
	DispositionNotFound     = runtimepkg.DispositionNotFound
	DispositionBindingError = runtimepkg.DispositionBindingError
	DispositionHandlerError = runtimepkg.DispositionHandlerError
)

// Metadata keys the runtime sets on deliveries and dispatches.
const (
	MetadataKeyTopic         = runtimepkg.MetadataKeyTopic
	MetadataKeyCorrelationID = runtimepkg.MetadataKeyCorrelationID
)

// RegisterJSONTopicHandler adds a typed JSON handler to a registry builder,
// deriving the parameter schema from T's struct tags.
func RegisterJSONTopicHandler[T any](b *RegistryBuilder, cfg JSONTopicHandlerRegistration[T]) error {
	return runtimepkg.RegisterJSONTopicHandler(b, cfg)
}

// SchemaFor derives a parameter schema from T's exported struct fields.
func SchemaFor[T any]() ([]ParamSpec, error) {
	return runtimepkg.SchemaFor[T]()
}
