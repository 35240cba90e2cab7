package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a consumer's recent events and Prometheus metrics.
type Server struct {
	addr       string
	eventStore *EventStore
	gatherer   prometheus.Gatherer
	status     func() Status
	mux        *http.ServeMux
	server     *http.Server

	mu      sync.Mutex
	running bool
}

// Status describes the running consumer.
type Status struct {
	Directory string    `json:"directory"`
	ReadLock  string    `json:"read_lock"`
	Policy    string    `json:"policy"`
	StartedAt time.Time `json:"started_at"`
	Polls     int64     `json:"polls"`
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithEventStore sets the store served on /api/events.
func WithEventStore(store *EventStore) ServerOption {
	return func(s *Server) {
		s.eventStore = store
	}
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithStatus sets the function reporting the consumer status.
func WithStatus(status func() Status) ServerOption {
	return func(s *Server) {
		s.status = status
	}
}

// NewServer creates an admin server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:     ":9090",
		gatherer: prometheus.DefaultGatherer,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// APIResponse is the envelope of every JSON response
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed request
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
)

// EventsListResponse is the payload of GET /api/events
type EventsListResponse struct {
	Events     []StoredEvent `json:"events"`
	Total      int           `json:"total"`
	EventTypes []string      `json:"event_types"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{Error: &APIError{Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotConfigured, "status not configured")
		return
	}
	writeSuccess(w, s.status())
}

// handleListEvents serves GET /api/events?type=&file=&limit=&offset=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotConfigured, "event store not configured")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	writeSuccess(w, EventsListResponse{
		Events:     s.eventStore.List(filter),
		Total:      s.eventStore.Count(filter),
		EventTypes: s.eventStore.EventTypes(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotConfigured, "event store not configured")
		return
	}
	writeSuccess(w, s.eventStore.CountByType())
}

func parseEventFilter(r *http.Request) (EventFilter, error) {
	q := r.URL.Query()
	filter := EventFilter{
		Type:  q.Get("type"),
		File:  q.Get("file"),
		Limit: 100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return filter, fmt.Errorf("limit must be between 1 and 1000")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("offset must not be negative")
		}
		filter.Offset = n
	}
	return filter, nil
}
