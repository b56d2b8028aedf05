package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-telemetry/internal/evaluator"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"
	"wisefido-telemetry/internal/notifier"
	"wisefido-telemetry/internal/pipeline"
	"wisefido-telemetry/internal/repository"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRules struct {
	store *evaluator.RuleStore
	next  []models.AlertRule
}

func (f *fakeRules) CurrentRules() *models.RuleSet { return f.store.Current() }

func (f *fakeRules) ReloadRules(context.Context) (*models.RuleSet, error) {
	return f.store.Replace(f.next)
}

type fakeAnomalies struct {
	got  repository.AnomalyFilters
	rows []repository.AnomalyRow
	err  error
}

func (f *fakeAnomalies) Query(_ context.Context, filters repository.AnomalyFilters) ([]repository.AnomalyRow, error) {
	f.got = filters
	return f.rows, f.err
}

type fakeWindows struct {
	windows map[string]models.Window
	err     error
}

func (f *fakeWindows) LatestWindow(_ context.Context, deviceID string) (*models.Window, error) {
	if f.err != nil {
		return nil, f.err
	}
	w, ok := f.windows[deviceID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

type fakeStats struct{ stats pipeline.Stats }

func (f fakeStats) Stats() pipeline.Stats { return f.stats }

func validRule(id string) models.AlertRule {
	return models.AlertRule{
		ID:        id,
		Predicate: models.Predicate{Field: models.FieldTemperature, Comparator: models.ComparatorGreater, Threshold: 30},
		Action:    models.Action{Channels: []string{"alert-log"}},
		Enabled:   true,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Result[T] {
	t.Helper()
	var out Result[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	healthy := true
	h := NewRouter(Deps{Health: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("redis: connection refused")
	}}, zap.NewNop())

	rec := do(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ResultSuccess, decode[string](t, rec).Code)

	healthy = false
	rec = do(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[any](t, rec).Message, "connection refused")
}

func TestRules_GetAndReload(t *testing.T) {
	store := evaluator.NewRuleStore(nil)
	_, err := store.Replace([]models.AlertRule{validRule("r1")})
	require.NoError(t, err)
	rules := &fakeRules{store: store, next: []models.AlertRule{validRule("r1"), validRule("r2")}}
	h := NewRouter(Deps{Rules: rules}, zap.NewNop())

	rec := do(h, http.MethodGet, "/api/v1/rules")
	require.Equal(t, http.StatusOK, rec.Code)
	set := decode[models.RuleSet](t, rec).Result
	assert.Equal(t, int64(1), set.Version)
	assert.Len(t, set.Rules, 1)

	rec = do(h, http.MethodPost, "/api/v1/rules/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[models.RuleSet](t, rec).Result.Version)

	bad := validRule("r3")
	bad.Predicate.Comparator = "~="
	rules.next = []models.AlertRule{bad}
	rec = do(h, http.MethodPost, "/api/v1/rules/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[any](t, rec).Message, "unknown comparator")
	assert.Equal(t, int64(2), store.Current().Version, "rejected reload keeps previous set")

	rec = do(h, http.MethodGet, "/api/v1/rules/reload")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAnomalies_Filters(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fa := &fakeAnomalies{rows: []repository.AnomalyRow{{
		Record:         models.TelemetryRecord{DeviceID: "DEV002", Timestamp: ts, Temperature: 35},
		MatchedRuleIDs: []string{"r1"},
		RuleVersion:    1,
	}}}
	h := NewRouter(Deps{Anomalies: fa}, zap.NewNop())

	rec := do(h, http.MethodGet, "/api/v1/anomalies?device_id=DEV002&from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]repository.AnomalyRow](t, rec).Result
	require.Len(t, rows, 1)
	assert.Equal(t, "DEV002", rows[0].Record.DeviceID)

	require.NotNil(t, fa.got.DeviceID)
	assert.Equal(t, "DEV002", *fa.got.DeviceID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *fa.got.From)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *fa.got.To)
	assert.Equal(t, 10, fa.got.Limit)

	rec = do(h, http.MethodGet, "/api/v1/anomalies?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fa.err = errors.New("db down")
	rec = do(h, http.MethodGet, "/api/v1/anomalies")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	store := newMemoryLetters()
	for i := 0; i < 3; i++ {
		store.items = append(store.items, models.DeadLetter{ID: fmt.Sprintf("d%d", i), Sink: "webhook"})
	}
	h := NewRouter(Deps{DeadLetters: store}, zap.NewNop())

	rec := do(h, http.MethodGet, "/api/v1/dead-letters?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[DeadLettersResult](t, rec).Result
	assert.Len(t, res.Items, 2)
	assert.Equal(t, int64(3), res.Total)
}

func TestLatestWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fw := &fakeWindows{windows: map[string]models.Window{
		"DEV001": {DeviceID: "DEV001", Start: start, End: start.Add(time.Minute), Count: 3},
	}}
	h := NewRouter(Deps{Windows: fw}, zap.NewNop())

	rec := do(h, http.MethodGet, "/api/v1/devices/DEV001/window")
	require.Equal(t, http.StatusOK, rec.Code)
	win := decode[models.Window](t, rec).Result
	assert.Equal(t, int64(3), win.Count)
	assert.True(t, win.Start.Equal(start))

	rec = do(h, http.MethodGet, "/api/v1/devices/DEV404/window")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no window for device", decode[any](t, rec).Message)

	fw.err = errors.New("db down")
	rec = do(h, http.MethodGet, "/api/v1/devices/DEV001/window")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type memoryLetters struct{ items []models.DeadLetter }

func newMemoryLetters() *memoryLetters { return &memoryLetters{} }

func (m *memoryLetters) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	if limit > len(m.items) {
		limit = len(m.items)
	}
	return m.items[:limit], nil
}

func (m *memoryLetters) CountDeadLetters(context.Context) (int64, error) {
	return int64(len(m.items)), nil
}

func TestStatsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordsIngested.Add(42)

	h := NewRouter(Deps{
		Stats:    fakeStats{stats: pipeline.Stats{Snapshot: m.Snapshot(), Partitions: 4}},
		Gatherer: reg,
	}, zap.NewNop())

	rec := do(h, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[pipeline.Stats](t, rec).Result
	assert.Equal(t, int64(42), stats.Ingested)
	assert.Equal(t, 4, stats.Partitions)

	rec = do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telemetry_records_ingested_total 42")
}

func TestMissingDependencies(t *testing.T) {
	h := NewRouter(Deps{}, zap.NewNop())
	for _, path := range []string{"/api/v1/rules", "/api/v1/anomalies", "/api/v1/dead-letters", "/api/v1/stats", "/api/v1/devices/DEV001/window"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, path).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/ws/alerts").Code)
}

type panicStats struct{}

func (panicStats) Stats() pipeline.Stats { panic("boom") }

func TestRecoversFromPanic(t *testing.T) {
	h := NewRouter(Deps{Stats: panicStats{}}, zap.NewNop())
	rec := do(h, http.MethodGet, "/api/v1/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := NewRouter(Deps{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rules/reload", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAlertWebSocket(t *testing.T) {
	hub := notifier.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(Deps{Hub: hub}, zap.NewNop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/alerts", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), models.AlertEvent{EventID: "e1", RuleID: "r1", DeviceID: "DEV002"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_id":"e1"`)
}
