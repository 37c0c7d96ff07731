// Package web serves the local diagnostics API: window state, power and OTA
// status, manual commands, and a WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"zigbee-window-go/internal/events"
	"zigbee-window-go/internal/ota"
	"zigbee-window-go/internal/power"
	"zigbee-window-go/internal/window"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithVersion sets the firmware version string reported by /api/health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the diagnostics HTTP server.
type Server struct {
	machine  *window.Machine
	powerMon *power.Monitor
	updater  *ota.Updater
	bus      *events.Bus
	wsHub    *WSHub
	logger   *slog.Logger
	mux      *http.ServeMux
	apiKey   string
	version  string
	unsub    func()
}

// NewServer creates the server and starts the WebSocket hub.
func NewServer(machine *window.Machine, powerMon *power.Monitor, updater *ota.Updater, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		machine:  machine,
		powerMon: powerMon,
		updater:  updater,
		bus:      bus,
		wsHub:    NewWSHub(logger),
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.wsHub.Run()
	s.unsub = bus.OnAll(func(e events.Event) {
		s.wsHub.Broadcast(e)
	})

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/power", s.handlePower)
	s.mux.HandleFunc("GET /api/ota", s.handleOTA)
	s.mux.HandleFunc("POST /api/mode", s.handleSetMode)
	s.mux.HandleFunc("POST /api/gap", s.handleSetGap)
	s.mux.HandleFunc("POST /api/calibrate", s.handleCalibrate)
	s.mux.HandleFunc("POST /api/resistance/ack", s.handleAckResistance)
	s.mux.HandleFunc("GET /api/events", s.handleWS)
	return s
}

// Close stops the event stream.
func (s *Server) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.wsHub.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, window.ErrInvalidMode),
		errors.Is(err, window.ErrInvalidPosition),
		errors.Is(err, window.ErrInvalidPercentage):
		status = http.StatusBadRequest
	case errors.Is(err, window.ErrResistance):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.powerMon.Status())
}

func (s *Server) handleOTA(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.updater.Status())
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var mode window.Mode
	switch req.Mode {
	case "closed":
		mode = window.ModeClosed
	case "open":
		mode = window.ModeOpen
	case "ventilate":
		mode = window.ModeVentilate
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown mode " + req.Mode})
		return
	}

	if err := s.machine.SetMode(mode); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) handleSetGap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percentage int `json:"percentage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.machine.SetGapPercentage(req.Percentage); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Calibrate(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.machine.State())
}

func (s *Server) handleAckResistance(w http.ResponseWriter, r *http.Request) {
	s.machine.AckResistance()
	s.writeJSON(w, http.StatusOK, s.machine.State())
}
