package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"firewatch/mission"
	"firewatch/pipeline"
	"firewatch/store"
	"firewatch/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetection struct {
	snap pipeline.Snapshot
}

func (f *fakeDetection) Snapshot() pipeline.Snapshot { return f.snap }

type fakeControl struct {
	status   mission.Status
	started  []string
	resumed  int
	aborted  int
	acked    int
	startErr error
	resErr   error
}

func (f *fakeControl) StartSequence(_ context.Context, m *mission.Mission) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, m.ID)
	return nil
}

func (f *fakeControl) Resume(context.Context) error {
	if f.resErr != nil {
		return f.resErr
	}
	f.resumed++
	return nil
}

func (f *fakeControl) Abort(context.Context) error {
	f.aborted++
	return nil
}

func (f *fakeControl) AcknowledgeError() error {
	f.acked++
	return nil
}

func (f *fakeControl) Status() mission.Status { return f.status }

type fakeStore struct {
	missions  map[string]*mission.Mission
	home      *mission.Waypoint
	alerts    []store.AlertRecord
	lastLimit int
}

func newFakeStore() *fakeStore {
	return &fakeStore{missions: make(map[string]*mission.Mission)}
}

func (f *fakeStore) InsertMission(m *mission.Mission) error {
	f.missions[m.ID] = m
	return nil
}

func (f *fakeStore) GetMission(id string) (*mission.Mission, error) {
	m, ok := f.missions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ListMissions() ([]mission.Mission, error) {
	var out []mission.Mission
	for _, m := range f.missions {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeStore) SetHome(wp mission.Waypoint) error {
	f.home = &wp
	return nil
}

func (f *fakeStore) Home() (*mission.Waypoint, error) {
	if f.home == nil {
		return nil, store.ErrNotFound
	}
	return f.home, nil
}

func (f *fakeStore) RecentAlerts(limit int) ([]store.AlertRecord, error) {
	f.lastLimit = limit
	if limit > 0 && limit < len(f.alerts) {
		return f.alerts[:limit], nil
	}
	return f.alerts, nil
}

func (f *fakeStore) Stats() (map[string]interface{}, error) {
	return map[string]interface{}{"total_alerts": len(f.alerts)}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeControl, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	ctrl := &fakeControl{status: mission.Status{State: "Idle", LinkUp: true}}
	srv := NewServer(Deps{
		Detection:     &fakeDetection{snap: pipeline.Snapshot{HasSmoke: true, SmokeMaxConf: 0.72}},
		Control:       ctrl,
		Planner:       mission.NewPlanner(st, 60),
		Store:         st,
		LinkConnected: func() bool { return true },
		Telemetry: func() (telemetry.Sample, bool) {
			return telemetry.Sample{Lat: 44.5, Lon: -121.3, Battery: 87, Roll: 1.5, Mode: "AUTO"}, true
		},
	})
	return srv, ctrl, st
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	det := data["detection"].(map[string]interface{})
	assert.Equal(t, true, det["has_smoke"])
	assert.InDelta(t, 0.72, det["smoke_max_conf"], 1e-9)
	assert.Equal(t, true, data["autopilot_connected"])

	tel := data["telemetry"].(map[string]interface{})
	assert.InDelta(t, 87, tel["battery"], 1e-9)
	assert.InDelta(t, 1.5, tel["roll"], 1e-9)
}

func TestCreateAndStartMission(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	body, _ := json.Marshal(createMissionRequest{
		Name: "ridge patrol",
		Waypoints: []mission.Waypoint{
			{Lat: 44.5, Lon: -121.3, AltM: 100},
			{Lat: 44.6, Lon: -121.3, AltM: 100},
		},
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeResponse(t, rec)
	created := resp.Data.(map[string]interface{})
	id := created["id"].(string)
	require.NotEmpty(t, id)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/"+id+"/start_sequence", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{id}, ctrl.started)
}

func TestCreateMissionValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body, _ := json.Marshal(createMissionRequest{
		Name:      "bad",
		Waypoints: []mission.Waypoint{{Lat: 99.0, Lon: 0}},
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions", bytes.NewReader([]byte(`{"waypoints":[]}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnknownMission(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/nope/start_sequence", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeMapsControllerErrors(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	ctrl.resErr = mission.ErrBadTransition
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/any/resume_after_smoke", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.resErr = mission.ErrLinkDown
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/any/resume_after_smoke", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ctrl.resErr = nil
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/any/resume_after_smoke", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.resumed)
}

func TestPauseStatus(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)
	lat, lon := 44.51, -121.33
	since := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	ctrl.status = mission.Status{
		State:           "HoldForInspection",
		Paused:          true,
		HoldLat:         &lat,
		HoldLon:         &lon,
		HoldSince:       &since,
		ModeBeforePause: "AUTO",
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/missions/any/smoke_pause_status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeResponse(t, rec).Data.(map[string]interface{})
	assert.Equal(t, true, data["paused"])
	assert.Equal(t, "AUTO", data["mode_before_pause"])
	assert.InDelta(t, 44.51, data["hold_lat"], 1e-9)
	assert.Equal(t, true, data["smoke_active"])
}

func TestHomePositionRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/home_position", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := []byte(`{"lat": 44.5, "lon": -121.3, "alt_m": 0}`)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/home_position", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/home_position", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec).Data.(map[string]interface{})
	assert.InDelta(t, 44.5, data["lat"], 1e-9)
}

func TestSetHomeRejectsOutOfRange(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := []byte(`{"lat": 91.0, "lon": 0}`)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/home_position", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertHistory(t *testing.T) {
	srv, _, st := newTestServer(t)
	st.alerts = []store.AlertRecord{
		{ID: 2, Kind: "fire", Confidence: 0.8, Delivered: true},
		{ID: 1, Kind: "smoke", Confidence: 0.5, Delivered: true},
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/alerts/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	items := resp.Data.([]interface{})
	assert.Len(t, items, 1)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.Total)
}

func TestAlertHistoryLimitValidation(t *testing.T) {
	srv, _, st := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/alerts/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/alerts/history?limit=-5", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// oversized limits are capped before they reach the store
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/alerts/history?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxAlertHistoryLimit, st.lastLimit)
}

func TestDetectorReset(t *testing.T) {
	st := newFakeStore()
	resets := 0
	srv := NewServer(Deps{
		Detection:      &fakeDetection{},
		Control:        &fakeControl{},
		Planner:        mission.NewPlanner(st, 60),
		Store:          st,
		ResetDetectors: func() { resets++ },
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/detectors/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resets)

	// without a reset hook the endpoint does not exist
	noReset, _, _ := newTestServer(t)
	rec = httptest.NewRecorder()
	noReset.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/detectors/reset", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorAck(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/errors/ack", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.acked)
}

func TestAbort(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/missions/any/abort", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.aborted)
}
