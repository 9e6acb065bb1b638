package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/bpf-sandbox/database"
	"github.com/jnesss/bpf-sandbox/engine"
	"github.com/jnesss/bpf-sandbox/types"
)

type fakeEngine struct {
	events []types.Event
}

func (f *fakeEngine) Poll() engine.ViewState {
	return engine.ViewState{Generation: 7, TimestampNs: 99, Flags: engine.FlagPending | engine.FlagReady, Progress: 0.25}
}
func (f *fakeEngine) State() engine.State { return engine.StateCapturing }
func (f *fakeEngine) EventCount() int     { return len(f.events) }
func (f *fakeEngine) GetEvent(i int) (types.Event, bool) {
	if i < 0 || i >= len(f.events) {
		return types.Event{}, false
	}
	return f.events[i], true
}
func (f *fakeEngine) TargetPID() uint32   { return 321 }
func (f *fakeEngine) TargetRunning() bool { return true }

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	m := engine.NewMetrics(reg)
	m.DegradedStops.Inc()

	eng := &fakeEngine{}
	for i := 1; i <= 5; i++ {
		eng.events = append(eng.events, types.Event{
			ID: uint64(i), PID: 321, Category: types.CategoryFileSystem, Operation: types.FileWrite,
		})
	}
	return NewServer(eng, db, reg, "127.0.0.1:0", zaptest.NewLogger(t)), db
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestState(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var st StateRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, uint64(7), st.Generation)
	assert.Equal(t, "PENDING|READY", st.FlagNames)
	assert.Equal(t, "Capturing", st.State)
	assert.Equal(t, 5, st.EventCount)
	assert.Equal(t, uint32(321), st.TargetPID)
	assert.True(t, st.TargetRunning)
}

func TestEvents(t *testing.T) {
	s, _ := newTestServer(t)

	var rows []EventRow
	rec := get(t, s, "/api/events?offset=1&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(2), rows[0].ID)
	assert.Equal(t, "FileSystem", rows[0].Category)
	assert.Equal(t, "Write", rows[0].Operation)
	assert.Equal(t, "Success", rows[0].Status)

	rec = get(t, s, "/api/events?offset=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/events?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/events?offset=-1").Code)
}

func TestSessionsAndDetections(t *testing.T) {
	s, db := newTestServer(t)

	rec := get(t, s, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	now := time.Now()
	require.NoError(t, db.InsertSession(&database.SessionRecord{
		ID: "abc", Target: "/bin/true", StartTime: now, StopTime: now, State: "Success", Detections: 1,
	}, []database.DetectionRecord{{EventID: 4, PID: 321, Category: "Dns", Operation: "Query", Reason: "dga-domain x"}}))

	var sessions []database.SessionRecord
	rec = get(t, s, "/api/sessions?limit=5")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].ID)

	var dets []database.DetectionRecord
	rec = get(t, s, "/api/sessions/abc/detections")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dets))
	require.Len(t, dets, 1)
	assert.Equal(t, uint64(4), dets[0].EventID)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/sessions?limit=0").Code)
}

func TestMetricsAndHealth(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sandbox_degraded_stops_total 1")
}

func TestOptionalRoutes(t *testing.T) {
	s := NewServer(&fakeEngine{}, nil, nil, "", nil)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/sessions").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/state").Code)
}
