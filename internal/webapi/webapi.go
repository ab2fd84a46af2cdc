// Package webapi serves the read-only HTTP routes that share the hub's
// listener: cached schedule, connected devices, health and metrics.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsprackett/deskhub/internal/db"
	"github.com/zsprackett/deskhub/internal/hub"
	"github.com/zsprackett/deskhub/internal/metrics"
	"github.com/zsprackett/deskhub/internal/schedule"
)

// deviceEventLimit caps GET /api/devices/{id}/events.
const deviceEventLimit = 50

// Store is the persistence the routes read from.
type Store interface {
	LatestSchedule(ctx context.Context) (json.RawMessage, error)
	GetDeviceEvents(deviceID string, limit int) ([]db.DeviceEvent, error)
	GetMeta(key string) (string, error)
}

// Devices lists live WebSocket connections.
type Devices interface {
	Clients() []hub.ClientInfo
}

// Mux is satisfied by *hub.Hub and *http.ServeMux.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

type Server struct {
	store   Store
	devices Devices
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

func New(store Store, devices Devices, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   store,
		devices: devices,
		logger:  logger,
		now:     time.Now,
		started: time.Now(),
	}
}

// SetNow replaces the time source. Used in tests only.
func (s *Server) SetNow(fn func() time.Time) {
	s.now = fn
}

// Mount registers every route on m.
func (s *Server) Mount(m Mux) {
	m.Handle("GET /api/schedule", http.HandlerFunc(s.handleSchedule))
	m.Handle("GET /api/schedule/next", http.HandlerFunc(s.handleNext))
	m.Handle("GET /api/devices", http.HandlerFunc(s.handleDevices))
	m.Handle("GET /api/devices/{id}/events", http.HandlerFunc(s.handleDeviceEvents))
	m.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	m.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.LatestSchedule(r.Context())
	if errors.Is(err, db.ErrNoSchedule) {
		http.Error(w, "no cached schedule", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, "load schedule", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	raw, err := s.store.LatestSchedule(r.Context())
	if errors.Is(err, db.ErrNoSchedule) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.fail(w, "load schedule", err)
		return
	}
	doc, err := schedule.Parse(raw)
	if err != nil {
		s.fail(w, "parse schedule", err)
		return
	}
	dep, ok := schedule.Nearest(doc, s.now())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, dep)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	clients := s.devices.Clients()
	if clients == nil {
		clients = []hub.ClientInfo{}
	}
	writeJSON(w, map[string]any{"devices": clients})
}

func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	evts, err := s.store.GetDeviceEvents(id, deviceEventLimit)
	if err != nil {
		s.fail(w, "load device events", err)
		return
	}
	if evts == nil {
		evts = []db.DeviceEvent{}
	}
	writeJSON(w, map[string]any{"events": evts})
}

type healthResponse struct {
	Status           string `json:"status"`
	Devices          int    `json:"devices"`
	Uptime           string `json:"uptime"`
	TransitUpdatedAt string `json:"transit_updated_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Devices: len(s.devices.Clients()),
		Uptime:  s.now().Sub(s.started).Round(time.Second).String(),
	}
	if v, err := s.store.GetMeta(db.MetaTransitUpdated); err == nil {
		resp.TransitUpdatedAt = v
	}
	writeJSON(w, resp)
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error("webapi: "+what, "err", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
