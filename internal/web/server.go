package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"home-energy/internal/aggregate"
	"home-energy/internal/energy"
	"home-energy/internal/events"
	"home-energy/internal/metrics"
	"home-energy/internal/store"
)

// Energy computes aggregates for the API.
type Energy interface {
	ComputeHubEnergy(ctx context.Context, hubCode string, w aggregate.Window) (*aggregate.Aggregate, error)
	ComputeAdminEnergy(ctx context.Context, adminHubCode string, w aggregate.Window) (*aggregate.Aggregate, error)
	ComputeRoomEnergy(ctx context.Context, hubCode, roomID string, w aggregate.Window) (*aggregate.Aggregate, error)
}

// History lists stored hub snapshots, newest first.
type History interface {
	ListSnapshots(hubCode string, limit int) ([]*store.Snapshot, error)
}

// ScriptLister describes the loaded estimator scripts.
type ScriptLister interface {
	Describe() []energy.ScriptInfo
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithHistory enables the snapshot history endpoint.
func WithHistory(h History) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// WithStore enables the topology and device endpoints.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithModel enables the ad-hoc estimate and rates endpoints.
func WithModel(m *energy.Model, scripts ScriptLister) ServerOption {
	return func(s *Server) {
		s.model = m
		s.scripts = scripts
	}
}

// WithEvents forwards computed aggregates and device updates to WebSocket
// subscribers.
func WithEvents(bus *events.Bus) ServerOption {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithMetrics instruments the API and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithPollInterval sets how often each WebSocket subscriber's aggregate is
// recomputed.
func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// Server is the HTTP server for the energy API and live feed.
type Server struct {
	energy         Energy
	history        History
	store          store.Store
	model          *energy.Model
	scripts        ScriptLister
	bus            *events.Bus
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	pollInterval   time.Duration
	now            func() time.Time
	wg             sync.WaitGroup
	unsubEvents    []func()
}

// NewServer creates a new web server.
func NewServer(e Energy, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		energy: e,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Partial-data warnings stay in logs and metrics; only results and
	// device updates reach subscribers.
	if s.bus != nil {
		for _, typ := range []string{events.EventEnergyAggregate, events.EventDeviceState} {
			s.unsubEvents = append(s.unsubEvents, s.bus.On(typ, func(event events.Event) {
				s.wsHub.Broadcast(event)
			}))
		}
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	for _, unsub := range s.unsubEvents {
		unsub()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

// handle registers an instrumented API route.
func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.metrics.WrapHandler(route, h))
}

func (s *Server) routes() {
	// Energy
	s.handle("GET /api/hubs/{hub}/energy", "hub_energy", s.handleHubEnergy)
	s.handle("GET /api/hubs/{hub}/energy.csv", "hub_energy_csv", s.handleHubEnergyCSV)
	s.handle("POST /api/hubs/{hub}/energy/refresh", "hub_energy_refresh", s.handleHubEnergy)
	s.handle("GET /api/hubs/{hub}/rooms/{room}/energy", "room_energy", s.handleRoomEnergy)
	s.handle("GET /api/hubs/{hub}/rooms/{room}/energy.csv", "room_energy_csv", s.handleRoomEnergyCSV)
	s.handle("GET /api/admin/{hub}/energy", "admin_energy", s.handleAdminEnergy)
	s.handle("GET /api/admin/{hub}/energy.csv", "admin_energy_csv", s.handleAdminEnergyCSV)
	s.handle("GET /api/hubs/{hub}/history", "hub_history", s.handleHistory)

	// Topology
	s.handle("GET /api/hubs", "hubs", s.handleListHubs)
	s.handle("GET /api/hubs/{hub}", "hub", s.handleGetHub)
	s.handle("DELETE /api/hubs/{hub}", "hub_delete", s.handleDeleteHub)
	s.handle("GET /api/hubs/{hub}/rooms", "rooms", s.handleListRooms)
	s.handle("GET /api/hubs/{hub}/rooms/{room}", "room", s.handleGetRoom)
	s.handle("DELETE /api/hubs/{hub}/rooms/{room}", "room_delete", s.handleDeleteRoom)
	s.handle("GET /api/hubs/{hub}/devices", "devices", s.handleListDevices)
	s.handle("GET /api/devices/{id}", "device", s.handleGetDevice)
	s.handle("DELETE /api/devices/{id}", "device_delete", s.handleDeleteDevice)

	// Model
	s.handle("GET /api/rates", "rates", s.handleRates)
	s.handle("GET /api/scripts", "scripts", s.handleListScripts)
	s.handle("POST /api/estimate", "estimate", s.handleEstimate)

	s.handle("GET /api/version", "version", s.handleAPIVersion)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}
			if s.isOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Retry-After")
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ is protected; browsers cannot send custom headers on a
		// WebSocket upgrade, and scrapers read /metrics.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
