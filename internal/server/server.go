package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/screenrec/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/screenrec/internal/server/router"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

// RecorderServer is the local control surface of the recorder
type RecorderServer struct {
	port       int
	httpServer *http.Server
	mux        *http.ServeMux
	routesOnce sync.Once
	logger     *slog.Logger

	// Services
	recorder *session.Controller
	catalog  *library.Catalog
	grants   func(*http.Request) (*source.Grant, error)

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	buildID   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRecorderServer creates a server controlling recorder and listing catalog
func NewRecorderServer(port int, recorder *session.Controller, catalog *library.Catalog) *RecorderServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &RecorderServer{
		port:      port,
		mux:       http.NewServeMux(),
		logger:    util.GetLogger().With("component", "server"),
		recorder:  recorder,
		catalog:   catalog,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetGrantFunc replaces how start requests obtain capture authorization.
// By default every start request is granted.
func (s *RecorderServer) SetGrantFunc(fn func(*http.Request) (*source.Grant, error)) {
	s.grants = fn
}

// Handler returns the routed handler, for embedding and tests
func (s *RecorderServer) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return loggingMiddleware(s.logger, s.mux)
}

// Start serves until Stop is called
func (s *RecorderServer) Start() error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.buildID = GetBuildID()
	s.mu.Unlock()

	if s.catalog != nil {
		if err := s.catalog.Watch(s.ctx, s.publishLibraryChange); err != nil {
			return errors.Wrap(err, "failed to watch recordings folder")
		}
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
		// no write timeout: /ws is long-lived
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("server listening", "port", s.port)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "failed to serve")
	}
	return nil
}

// Stop finalizes a recording in progress and shuts the server down
func (s *RecorderServer) Stop() error {
	s.cancel()
	s.recorder.Shutdown()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
			if err := s.httpServer.Close(); err != nil {
				s.logger.Warn("HTTP server force close error", "error", err)
			}
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("server stopped")
	return nil
}

func (s *RecorderServer) publishLibraryChange(ch library.Change) {
	s.recorder.Events().Publish(session.Event{
		Type:    session.EventLibrary,
		State:   s.recorder.State(),
		Path:    ch.Name,
		Message: string(ch.Op),
	})
}

// setupRoutes registers all routers
func (s *RecorderServer) setupRoutes() {
	routers := []router.Router{
		&router.APIRouter{},
		&router.RecordingRouter{},
		&router.EventsRouter{},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.mux, s)
	}
}

// ServerService interface implementations for handlers

// IsRunning returns whether the server is running
func (s *RecorderServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *RecorderServer) GetPort() int {
	return s.port
}

// GetUptime returns server uptime
func (s *RecorderServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// GetBuildID returns build ID
func (s *RecorderServer) GetBuildID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildID
}

// GetVersion returns version info
func (s *RecorderServer) GetVersion() string {
	return BuildInfo.Version
}

// Recorder returns the session controller
func (s *RecorderServer) Recorder() handlers.Recorder {
	return s.recorder
}

// Library returns the recordings catalog
func (s *RecorderServer) Library() handlers.Library {
	return s.catalog
}

// NewGrant issues a capture grant for a start request
func (s *RecorderServer) NewGrant(req *http.Request) (*source.Grant, error) {
	if s.grants != nil {
		return s.grants(req)
	}
	return source.NewGrant(), nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
