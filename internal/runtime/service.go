package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/runlet-io/runlet/internal/runtime/config"
	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	idspkg "github.com/runlet-io/runlet/internal/runtime/ids"
	"github.com/runlet-io/runlet/internal/runtime/jsoncodec"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	metadatapkg "github.com/runlet-io/runlet/internal/runtime/metadata"
	transportpkg "github.com/runlet-io/runlet/transport"
	"github.com/runlet-io/runlet/transport/httpserver"
)

// serviceModule collects handlers registered directly on the Service rather
// than through a named module. It is always protected.
const serviceModule = "service"

// ServiceDependencies holds the optional collaborators a Service can use.
// Leave fields nil for the defaults.
type ServiceDependencies struct {
	// Provider, when set, is used for every run cycle instead of building
	// one from config. It survives restarts; the caller owns its lifecycle.
	Provider transportpkg.QueueProvider
	// TransportRegistry resolves the QueueSystem config value to a provider
	// builder. Defaults to the global registry.
	TransportRegistry *transportpkg.Registry
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
}

// Service wires the module set, dispatcher, consumers, HTTP transport, file
// watcher, and supervisor into one runnable unit.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps       ServiceDependencies
	metrics    *Metrics
	modules    *ModuleSet
	dispatcher *Dispatcher
	supervisor *Supervisor
	watcher    *FileWatcher

	registry atomic.Pointer[Registry]

	directMu sync.Mutex
	direct   []func(*RegistryBuilder) error

	providerMu    sync.Mutex
	cycleProvider transportpkg.QueueProvider
	ownsProvider  bool

	consumersMu sync.Mutex
	consumers   []*Consumer

	metricsSrv *http.Server

	started atomic.Bool
}

// TryNewService constructs a Service for the supplied configuration.
// Register modules and handlers on the returned Service before Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	normalized := conf.WithDefaults()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating service", loggingpkg.LogFields{
		"queue_system": normalized.QueueSystem,
		"config":       &normalized,
	})

	s := &Service{
		Conf:    &normalized,
		Logger:  log,
		deps:    deps,
		modules: NewModuleSet(),
	}
	if normalized.MetricsEnabled {
		s.metrics = NewMetrics()
	}

	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = DefaultMiddlewares(log, s.metrics)
	}
	registrations = append(registrations, deps.Middlewares...)
	s.dispatcher = NewDispatcher(s.Registry, log, registrations)

	if err := s.modules.Register(ModuleRecord{
		Name:      serviceModule,
		Loader:    s.loadDirectHandlers,
		Protected: true,
	}); err != nil {
		return nil, err
	}

	s.supervisor = NewSupervisor(s.buildTransports, normalized.DrainTimeout, s.metrics, log)
	if normalized.WatchEnabled {
		s.watcher = NewFileWatcher(WatchConfigFromConfig(&normalized), s.onSourceChange, log)
	}
	return s, nil
}

// NewService is the panicking variant of TryNewService.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// Registry returns the current handler registry snapshot.
func (s *Service) Registry() *Registry {
	return s.registry.Load()
}

// Metrics exposes the service's collectors, nil when metrics are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Stats returns per-handler dispatch counters.
func (s *Service) Stats() []HandlerStats {
	return s.dispatcher.Stats()
}

// Consumers returns the consumers of the current run cycle.
func (s *Service) Consumers() []*Consumer {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	return append([]*Consumer(nil), s.consumers...)
}

// RegisterModule adds a named module. Modules named in the configured
// protected list can never be removed.
func (s *Service) RegisterModule(name string, loader ModuleLoader) error {
	return s.modules.Register(ModuleRecord{
		Name:      name,
		Loader:    loader,
		Protected: s.protectedModule(name),
	})
}

// ReplaceModule swaps a module's loader. The new loader takes effect on the
// next reload.
func (s *Service) ReplaceModule(name string, loader ModuleLoader) error {
	return s.modules.Replace(ModuleRecord{
		Name:      name,
		Loader:    loader,
		Protected: s.protectedModule(name),
	})
}

// RemoveModule drops a module. Protected modules cannot be removed.
func (s *Service) RemoveModule(name string) error {
	return s.modules.Remove(name)
}

func (s *Service) protectedModule(name string) bool {
	for _, protected := range s.Conf.ProtectedModules {
		if name == protected {
			return true
		}
	}
	return false
}

func (s *Service) loadDirectHandlers(b *RegistryBuilder) error {
	s.directMu.Lock()
	defer s.directMu.Unlock()
	for _, register := range s.direct {
		if err := register(b); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTopicHandler binds a handler to a pub/sub topic directly on the
// service. The registration is validated immediately against the current
// handler set.
func (s *Service) RegisterTopicHandler(cfg TopicHandlerRegistration) error {
	return s.addDirect(func(b *RegistryBuilder) error {
		return RegisterTopicHandler(b, cfg)
	})
}

// RegisterHTTPHandler binds a handler to an HTTP method and route pattern.
func (s *Service) RegisterHTTPHandler(cfg HTTPHandlerRegistration) error {
	return s.addDirect(func(b *RegistryBuilder) error {
		return RegisterHTTPHandler(b, cfg)
	})
}

func (s *Service) addDirect(register func(*RegistryBuilder) error) error {
	s.directMu.Lock()
	s.direct = append(s.direct, register)
	s.directMu.Unlock()

	// Rebuild eagerly so a bad registration surfaces here, not at Start.
	registry, err := s.modules.BuildRegistry()
	if err != nil {
		s.directMu.Lock()
		s.direct = s.direct[:len(s.direct)-1]
		s.directMu.Unlock()
		return err
	}
	s.registry.Store(registry)
	return nil
}

// Reload rebuilds the registry from the module set and swaps it in
// atomically. A loader failure keeps the previous registry and reports
// which module failed; the service keeps serving throughout.
func (s *Service) Reload() error {
	registry, err := s.modules.BuildRegistry()
	if err != nil {
		s.metrics.countReload(true)
		s.Logger.Error("Reload failed, keeping previous handlers", err, loggingpkg.LogFields{
			"handlers": s.Registry().Len(),
		})
		return err
	}

	s.registry.Store(registry)
	s.metrics.countReload(false)
	s.Logger.Info("Reloaded handler registry", loggingpkg.LogFields{
		"handlers": registry.Len(),
	})
	return nil
}

// Restart schedules one coalesced drain-and-rebuild cycle of all transports.
func (s *Service) Restart() error {
	return s.supervisor.Restart()
}

// onSourceChange is the watcher trigger: reload modules, then restart
// transports so route and subscription changes take effect. A failed reload
// leaves the current cycle untouched.
func (s *Service) onSourceChange() {
	if err := s.Reload(); err != nil {
		return
	}
	if err := s.Restart(); err != nil {
		s.Logger.Warn("Restart not scheduled", loggingpkg.LogFields{"error": err.Error()})
	}
}

// Start builds the initial registry and runs the supervisor until the
// context ends or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	registry, err := s.modules.BuildRegistry()
	if err != nil {
		return err
	}
	s.registry.Store(registry)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		defer func() { _ = s.watcher.Stop() }()
	}
	if s.metrics != nil && s.Conf.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return err
		}
		defer s.stopMetricsServer()
	}

	err = s.supervisor.Run(ctx)
	s.closeCycleProvider()
	return err
}

// Stop shuts the service down: no new cycles, transports drained.
func (s *Service) Stop(ctx context.Context) error {
	return s.supervisor.Stop(ctx)
}

func (s *Service) startMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.Conf.MetricsPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	s.Logger.Info("Starting metrics server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("Metrics server stopped", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return nil
}

func (s *Service) stopMetricsServer() {
	if s.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.metricsSrv.Shutdown(ctx); err != nil {
		s.Logger.Warn("Metrics server did not stop cleanly", loggingpkg.LogFields{"error": err.Error()})
	}
	s.metricsSrv = nil
}

const readHeaderTimeout = 10 * time.Second

// buildTransports is the supervisor's factory: a fresh provider (unless one
// was injected), one consumer per subscription, and the HTTP transport.
// Nothing is carried over from the previous cycle.
func (s *Service) buildTransports(ctx context.Context) ([]transportpkg.Transport, error) {
	s.closeCycleProvider()

	provider := s.deps.Provider
	owns := false
	if provider == nil {
		registry := s.deps.TransportRegistry
		if registry == nil {
			registry = transportpkg.DefaultRegistry
		}
		built, err := registry.Build(ctx, s.Conf, s.Logger)
		if err != nil {
			return nil, err
		}
		provider = built
		owns = true
	}

	s.providerMu.Lock()
	s.cycleProvider = provider
	s.ownsProvider = owns
	s.providerMu.Unlock()

	consumers := make([]*Consumer, 0, len(s.Conf.Subscriptions))
	transports := make([]transportpkg.Transport, 0, len(s.Conf.Subscriptions)+1)
	for _, sub := range s.Conf.Subscriptions {
		health := NewHealthMonitor(sub.Queue, HealthConfig{
			BackoffMin:        s.Conf.BackoffMin,
			BackoffMax:        s.Conf.BackoffMax,
			BackoffMultiplier: s.Conf.BackoffMultiplier,
			BackoffJitter:     s.Conf.BackoffJitter,
			FailureCeiling:    s.Conf.FailureCeiling,
		}, s.Logger)

		consumer := NewConsumer(ConsumerConfig{
			Subscription:   sub,
			MaxBatch:       s.Conf.MaxBatch,
			PollWait:       s.Conf.PollWait,
			ConnectTimeout: s.Conf.ConnectTimeout,
			PollTimeout:    s.Conf.PollTimeout,
			DrainTimeout:   s.Conf.DrainTimeout,
		}, provider, s.dispatcher, health, s.metrics, s.Logger)

		consumers = append(consumers, consumer)
		transports = append(transports, consumer)
	}

	s.consumersMu.Lock()
	s.consumers = consumers
	s.consumersMu.Unlock()

	if s.Conf.HTTPServerAddress != "" {
		transports = append(transports, httpserver.New(s.Conf.HTTPServerAddress, s.httpRoutes(), s.Logger))
	}
	return transports, nil
}

func (s *Service) closeCycleProvider() {
	s.providerMu.Lock()
	provider, owns := s.cycleProvider, s.ownsProvider
	s.cycleProvider, s.ownsProvider = nil, false
	s.providerMu.Unlock()

	if owns && provider != nil {
		if err := provider.Close(); err != nil {
			s.Logger.Warn("Failed to close queue provider", loggingpkg.LogFields{"error": err.Error()})
		}
	}
}

// httpRoutes maps the registry's HTTP entries onto transport routes. Routes
// resolve handlers through the dispatcher at request time, so a reload
// changes behaviour without restarting the listener.
func (s *Service) httpRoutes() []httpserver.Route {
	entries := s.Registry().Entries(KindHTTP)
	routes := make([]httpserver.Route, 0, len(entries))
	for _, entry := range entries {
		method, pattern, ok := strings.Cut(entry.Key, " ")
		if !ok {
			continue
		}
		key := entry.Key
		routes = append(routes, httpserver.Route{
			Method:  method,
			Pattern: pattern,
			Name:    entry.Name,
			Invoke: func(ctx context.Context, body []byte, meta metadatapkg.Metadata) httpserver.Response {
				outcome := s.dispatcher.Dispatch(ctx, KindHTTP, key, body, meta)
				return httpResponse(outcome)
			},
		})
	}
	return routes
}

// httpResponse maps a dispatch outcome onto an HTTP response. Handlers set
// their own status via Result; failure classes get fixed codes.
func httpResponse(outcome Outcome) httpserver.Response {
	switch outcome.Disposition {
	case DispositionNotFound:
		return errorResponse(http.StatusNotFound, outcome.Err)
	case DispositionBindingError:
		return errorResponse(http.StatusBadRequest, outcome.Err)
	case DispositionHandlerError:
		return errorResponse(http.StatusInternalServerError, outcome.Err)
	default:
		resp := httpserver.Response{Status: http.StatusOK}
		if outcome.Result != nil {
			if outcome.Result.Status != 0 {
				resp.Status = outcome.Result.Status
			}
			resp.Body = outcome.Result.Body
			resp.Header = outcome.Result.Header
		}
		return resp
	}
}

func errorResponse(status int, err error) httpserver.Response {
	body, _ := jsoncodec.Marshal(map[string]string{"error": err.Error()})
	return httpserver.Response{
		Status: status,
		Body:   body,
		Header: map[string]string{"Content-Type": "application/json"},
	}
}

// Publish sends a message to a topic through the current cycle's provider.
// Values are JSON-encoded unless already raw bytes.
func (s *Service) Publish(ctx context.Context, topic string, value any, meta metadatapkg.Metadata) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	s.providerMu.Lock()
	provider := s.cycleProvider
	s.providerMu.Unlock()
	if provider == nil {
		provider = s.deps.Provider
	}
	if provider == nil {
		return errspkg.ErrSupervisorStopped
	}

	payload, ok := value.([]byte)
	if !ok {
		encoded, err := jsoncodec.Marshal(value)
		if err != nil {
			return err
		}
		payload = encoded
	}

	attrs := meta.With(MetadataKeyTopic, topic)
	if attrs.Get(MetadataKeyCorrelationID) == "" {
		attrs = attrs.With(MetadataKeyCorrelationID, idspkg.CreateULID())
	}
	return provider.Publish(ctx, topic, payload, attrs)
}
