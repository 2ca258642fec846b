package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/session"
	"go.uber.org/zap"
)

// Server serves the control API on the session's Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// SyncResult is the body of POST /collections/{name}/sync.
type SyncResult struct {
	Collection string `json:"collection"`
	Noop       bool   `json:"noop"`
	Deferred   bool   `json:"deferred"`
	Stale      bool   `json:"stale"`
	Fetched    int    `json:"fetched"`
}

// NewServer creates a control server bound to the session's socket.
func NewServer(p Params, rt *Runtime, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           Routes(rt, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Routes returns the control API handler.
func Routes(rt *Runtime, logger *zap.Logger) http.Handler {
	h := &handlers{rt: rt, logger: logger}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods("GET")
	r.HandleFunc("/status", h.status).Methods("GET")
	r.HandleFunc("/collections", h.collections).Methods("GET")
	r.HandleFunc("/collections/{name}/sync", h.sync).Methods("POST")
	r.HandleFunc("/cache/stats", h.cacheStats).Methods("GET")
	r.HandleFunc("/cache/evict", h.cacheEvict).Methods("POST")
	r.HandleFunc("/items/trim", h.itemsTrim).Methods("POST")
	r.HandleFunc("/logout", h.logout).Methods("POST")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}

type handlers struct {
	rt     *Runtime
	logger *zap.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Status())
}

func (h *handlers) collections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"collections": h.rt.Collections()})
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	e, err := h.rt.Open(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := e.Sync(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResult{
		Collection: name,
		Noop:       out.Noop,
		Deferred:   out.Deferred,
		Stale:      out.Stale,
		Fetched:    out.Fetched,
	})
}

func (h *handlers) cacheStats(w http.ResponseWriter, _ *http.Request) {
	st, err := h.rt.Media().Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) cacheEvict(w http.ResponseWriter, r *http.Request) {
	var budget int64
	if v := r.URL.Query().Get("budget"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid budget %q", v))
			return
		}
		budget = n
	}
	res, err := h.rt.Evict(budget)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger.Info("eviction requested", zap.Int64("budget", budget), zap.Int("removed", res.Removed))
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) itemsTrim(w http.ResponseWriter, _ *http.Request) {
	trimmed, err := h.rt.TrimItems()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]int64{"trimmed": trimmed})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
