package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"firewatch/detection"
	"firewatch/mission"
	"firewatch/pipeline"
	"firewatch/store"
	"firewatch/stream"
	"firewatch/telemetry"

	"github.com/gorilla/mux"
)

// debugMsgFunc is set by the main package to use unified logging
var debugMsgFunc func(component, message string)

// SetDebugFunction allows main package to provide the debug logger
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

// DetectionState exposes the live detection snapshot.
type DetectionState interface {
	Snapshot() pipeline.Snapshot
}

// MissionControl is the flight controller surface the API drives.
type MissionControl interface {
	StartSequence(ctx context.Context, m *mission.Mission) error
	Resume(ctx context.Context) error
	Abort(ctx context.Context) error
	AcknowledgeError() error
	Status() mission.Status
}

// MissionStore is the persistence surface the API reads and writes.
type MissionStore interface {
	GetMission(id string) (*mission.Mission, error)
	SetHome(wp mission.Waypoint) error
	Home() (*mission.Waypoint, error)
	RecentAlerts(limit int) ([]store.AlertRecord, error)
	Stats() (map[string]interface{}, error)
}

// Deps holds everything the server fronts. VideoFeed and Snaps may be
// nil when streaming is disabled.
type Deps struct {
	Detection DetectionState
	Control   MissionControl
	Planner   *mission.Planner
	Store     MissionStore
	VideoFeed http.Handler
	Snaps     *stream.SnapRing

	// ProviderInfo reports the active inference providers, keyed by
	// stage name. Optional.
	ProviderInfo func() map[string]detection.ProviderInfo

	// LinkConnected reports autopilot link health. Optional.
	LinkConnected func() bool

	// Telemetry returns the latest autopilot sample. Optional.
	Telemetry func() (telemetry.Sample, bool)

	// ResetDetectors re-arms faulted inference stages. Optional; the
	// reset endpoint is only registered when set.
	ResetDetectors func()
}

// Server represents the API server
type Server struct {
	deps    Deps
	router  *mux.Router
	started time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Live detection state and streams
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	if s.deps.VideoFeed != nil {
		s.router.Handle("/video_feed", s.deps.VideoFeed).Methods("GET")
	}
	if s.deps.Snaps != nil {
		s.router.HandleFunc("/snaps/{n}", s.handleSnap).Methods("GET")
	}

	// Mission endpoints
	s.router.HandleFunc("/api/missions", s.handleListMissions).Methods("GET")
	s.router.HandleFunc("/api/missions", s.handleCreateMission).Methods("POST")
	s.router.HandleFunc("/api/missions/{id}", s.handleGetMission).Methods("GET")
	s.router.HandleFunc("/api/missions/{id}/start_sequence", s.handleStartSequence).Methods("POST")
	s.router.HandleFunc("/api/missions/{id}/resume_after_smoke", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/missions/{id}/smoke_pause_status", s.handlePauseStatus).Methods("GET")
	s.router.HandleFunc("/api/missions/{id}/abort", s.handleAbort).Methods("POST")
	s.router.HandleFunc("/api/errors/ack", s.handleErrorAck).Methods("POST")
	if s.deps.ResetDetectors != nil {
		s.router.HandleFunc("/api/detectors/reset", s.handleDetectorReset).Methods("POST")
	}

	// Home position
	s.router.HandleFunc("/api/home_position", s.handleGetHome).Methods("GET")
	s.router.HandleFunc("/api/home_position", s.handleSetHome).Methods("POST")

	// Alert history and stats
	s.router.HandleFunc("/api/alerts/history", s.handleAlertHistory).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	// Add middleware
	s.router.Use(loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		debugMsg("API", r.Method+" "+r.URL.Path+" "+time.Since(start).String())
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video_feed" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"detection": s.deps.Detection.Snapshot(),
		"mission":   s.deps.Control.Status(),
	}
	if s.deps.LinkConnected != nil {
		body["autopilot_connected"] = s.deps.LinkConnected()
	}
	if s.deps.ProviderInfo != nil {
		body["providers"] = s.deps.ProviderInfo()
	}
	if s.deps.Telemetry != nil {
		if sample, ok := s.deps.Telemetry(); ok {
			body["telemetry"] = sample
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleSnap(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid snapshot index")
		return
	}
	snap, ok := s.deps.Snaps.Get(n)
	if !ok {
		respondError(w, http.StatusNotFound, "no such snapshot")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(snap.JPEG)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.deps.Planner.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, missions)
}

type createMissionRequest struct {
	Name      string             `json:"name"`
	Waypoints []mission.Waypoint `json:"waypoints"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	m, err := s.deps.Planner.Create(req.Name, req.Waypoints)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Planner.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "mission not found")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Planner.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "mission not found")
		return
	}

	if err := s.deps.Control.StartSequence(r.Context(), m); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Resume(r.Context()); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handlePauseStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Control.Status()
	snap := s.deps.Detection.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"paused":            st.Paused,
		"state":             st.State,
		"hold_lat":          st.HoldLat,
		"hold_lon":          st.HoldLon,
		"hold_since":        st.HoldSince,
		"mode_before_pause": st.ModeBeforePause,
		"smoke_active":      snap.HasSmoke,
		"smoke_max_conf":    snap.SmokeMaxConf,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Abort(r.Context()); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handleDetectorReset(w http.ResponseWriter, r *http.Request) {
	s.deps.ResetDetectors()
	respondJSON(w, http.StatusOK, s.deps.Detection.Snapshot())
}

func (s *Server) handleErrorAck(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.AcknowledgeError(); err != nil {
		respondControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) handleGetHome(w http.ResponseWriter, r *http.Request) {
	home, err := s.deps.Store.Home()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "home position not set")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, home)
}

func (s *Server) handleSetHome(w http.ResponseWriter, r *http.Request) {
	var wp mission.Waypoint
	if err := json.NewDecoder(r.Body).Decode(&wp); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if wp.Lat < -90 || wp.Lat > 90 || wp.Lon < -180 || wp.Lon > 180 {
		respondError(w, http.StatusBadRequest, "latitude or longitude out of range")
		return
	}

	if err := s.deps.Store.SetHome(wp); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, wp)
}

// maxAlertHistoryLimit caps a single history query.
const maxAlertHistoryLimit = 500

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxAlertHistoryLimit {
			n = maxAlertHistoryLimit
		}
		limit = n
	}

	alerts, err := s.deps.Store.RecentAlerts(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, alerts, &meta{
		Total:   len(alerts),
		Limit:   limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// respondControlError maps controller errors to HTTP statuses.
func respondControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mission.ErrBadTransition), errors.Is(err, mission.ErrNoWaypoints):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mission.ErrNeedsOperator):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mission.ErrLinkDown):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}
