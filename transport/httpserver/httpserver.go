// Package httpserver provides the HTTP listener transport for runlet. Routes
// are built from registry entries by the service; the server only carries
// requests to the invocation dispatcher and writes the outcome back.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
)

// TransportName identifies this transport in logs.
const TransportName = "http"

const readHeaderTimeout = 10 * time.Second

// Response is what an invoker returns for one request.
type Response struct {
	Status int
	Body   []byte
	Header map[string]string
}

// Invoker carries one inbound request into the dispatcher and returns the
// transport-level outcome.
type Invoker func(ctx context.Context, body []byte, meta metadata.Metadata) Response

// Route binds an HTTP method and chi pattern to an invoker.
type Route struct {
	Method  string
	Pattern string
	Name    string
	Invoke  Invoker
}

// Server is the HTTP transport. It satisfies the transport lifecycle
// contract: Start binds the listener, GracefulStop stops accepting and
// finishes in-flight requests bounded by the context deadline.
type Server struct {
	addr   string
	routes []Route
	logger logging.ServiceLogger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New constructs an HTTP transport serving the given routes on addr.
func New(addr string, routes []Route, logger logging.ServiceLogger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{addr: addr, routes: routes, logger: logger}
}

func (s *Server) Name() string { return TransportName }

// Start binds the listener and begins serving. A bind failure is returned
// synchronously; it is the one startup error the runtime treats as fatal.
func (s *Server) Start(ctx context.Context) error {
	router := chi.NewRouter()
	for _, route := range s.routes {
		route := route
		router.Method(route.Method, route.Pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.serve(w, r, route)
		}))
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("HTTP transport listening", logging.LogFields{"address": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP transport stopped serving", err, logging.LogFields{"address": s.addr})
		}
	}()
	return nil
}

// GracefulStop stops accepting new connections and waits for in-flight
// requests, bounded by the context deadline.
func (s *Server) GracefulStop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr reports the bound listener address. Empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, route Route) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	meta := metadata.Metadata{}
	for name := range r.Header {
		meta[name] = r.Header.Get(name)
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			meta["path_"+key] = rctx.URLParams.Values[i]
		}
	}

	resp := route.Invoke(r.Context(), body, meta)
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
