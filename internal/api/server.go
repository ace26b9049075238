package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/Resinat/edgecoord/internal/config"
	"github.com/Resinat/edgecoord/internal/service"
)

// Server wraps the HTTP server and router for the coordinator API.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	maxConns   int
}

// NewServer creates a new API server wired with all routes.
func NewServer(cfg *config.EnvConfig, svc *service.EdgeService) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	router := mux.NewRouter()
	router.Use(AccessLogMiddleware)

	// Public (no auth)
	router.Handle("/healthz", HandleHealthz()).Methods(http.MethodGet)
	router.Handle("/metrics", svc.MetricsHandler()).Methods(http.MethodGet)

	// Authenticated routes
	authed := mux.NewRouter()
	v1 := authed.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/system/info", HandleSystemInfo()).Methods(http.MethodGet)
	v1.Handle("/system/config/env", HandleSystemEnvConfig(cfg)).Methods(http.MethodGet)

	// Nodes.
	v1.Handle("/nodes", HandleListNodes(svc)).Methods(http.MethodGet)
	v1.Handle("/nodes", HandleRegisterNode(svc)).Methods(http.MethodPost)
	v1.Handle("/nodes/{id}", HandleGetNode(svc)).Methods(http.MethodGet)
	v1.Handle("/nodes/{id}", HandleRemoveNode(svc)).Methods(http.MethodDelete)
	v1.Handle("/nodes/{id}/failure", HandleNodeFailure(svc)).Methods(http.MethodPost)
	v1.Handle("/nodes/{id}/recover", HandleRecoverNode(svc)).Methods(http.MethodPost)

	// Requests and workloads.
	v1.Handle("/requests", HandleProcessRequest(svc)).Methods(http.MethodPost)
	v1.Handle("/workloads", HandleListWorkloads(svc)).Methods(http.MethodGet)
	v1.Handle("/workloads", HandleCoordinateWorkload(svc)).Methods(http.MethodPost)
	v1.Handle("/workloads/{id}", HandleGetWorkload(svc)).Methods(http.MethodGet)
	v1.Handle("/workloads/{id}/status", HandleUpdateWorkloadStatus(svc)).Methods(http.MethodPatch)

	// Cluster.
	v1.Handle("/sync", HandleSync(svc)).Methods(http.MethodPost)
	v1.Handle("/metrics/performance", HandlePerformanceMetrics(svc)).Methods(http.MethodGet)
	v1.Handle("/health", HandleHealth(svc)).Methods(http.MethodGet)
	v1.Handle("/admin/clear", HandleClear(svc)).Methods(http.MethodPost)

	authed.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "no such route")
	})
	authed.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	limitedAuthed := RequestBodyLimitMiddleware(int64(cfg.APIMaxBodyBytes), authed)
	router.PathPrefix("/api/").Handler(AuthMiddleware(cfg.AdminToken, limitedAuthed))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: srv,
		router:     router,
		maxConns:   cfg.APIMaxConns,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops
// and returns nil after a graceful Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, at most maxConns at a time.
func (s *Server) Serve(ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
