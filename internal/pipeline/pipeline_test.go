package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"wisefido-telemetry/internal/aggregator"
	"wisefido-telemetry/internal/dispatcher"
	"wisefido-telemetry/internal/evaluator"
	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// recorder 记录流水线输出（同时实现 Outputs 和 dispatcher 的各类 sink）
type recorder struct {
	mu        sync.Mutex
	windows   []models.Window
	anomalies []models.AnnotatedRecord
	alerts    []models.AlertEvent
}

func (r *recorder) DispatchWindow(_ context.Context, w models.Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	return nil
}

func (r *recorder) DispatchAnomaly(_ context.Context, ann models.AnnotatedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, ann)
	return nil
}

func (r *recorder) DispatchAlert(_ context.Context, e models.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
	return nil
}

func (r *recorder) Name() string { return "alert-log" }

func (r *recorder) WriteWindow(ctx context.Context, w models.Window) error {
	return r.DispatchWindow(ctx, w)
}

func (r *recorder) WriteAnomaly(ctx context.Context, ann models.AnnotatedRecord) error {
	return r.DispatchAnomaly(ctx, ann)
}

func (r *recorder) Notify(ctx context.Context, e models.AlertEvent) error {
	return r.DispatchAlert(ctx, e)
}

func (r *recorder) snapshot() ([]models.Window, []models.AnnotatedRecord, []models.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := append([]models.Window(nil), r.windows...)
	sort.Slice(w, func(i, j int) bool {
		if w[i].DeviceID != w[j].DeviceID {
			return w[i].DeviceID < w[j].DeviceID
		}
		return w[i].Start.Before(w[j].Start)
	})
	return w, append([]models.AnnotatedRecord(nil), r.anomalies...), append([]models.AlertEvent(nil), r.alerts...)
}

func highTempRule() models.AlertRule {
	return models.AlertRule{
		ID:        "high-temp",
		Predicate: models.Predicate{Field: models.FieldTemperature, Comparator: models.ComparatorGreater, Threshold: 30},
		Action:    models.Action{Channels: []string{"alert-log"}},
		Cooldown:  60 * time.Second,
		Enabled:   true,
	}
}

func rec(device string, sec int, temp float64) models.TelemetryRecord {
	return models.TelemetryRecord{DeviceID: device, Timestamp: t0.Add(time.Duration(sec) * time.Second), Temperature: temp, Humidity: 50}
}

func newTestPipeline(t *testing.T, cfg Config, out Outputs, rules ...models.AlertRule) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(nil)
	store := evaluator.NewRuleStore(nil)
	_, err := store.Replace(rules)
	require.NoError(t, err)
	return New(cfg, evaluator.NewClassifier(store, m), out, m, zap.NewNop()), m
}

func defaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      64,
		EnqueueTimeout: time.Second,
		FlushEvery:     time.Hour,
		Window:         aggregator.Config{Size: time.Minute, Grace: 10 * time.Second},
	}
}

func TestPartitionFor_StableAndInRange(t *testing.T) {
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("DEV%03d", i)
		p := PartitionFor(id, 4)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
		assert.Equal(t, p, PartitionFor(id, 4))
		seen[p] = true
	}
	assert.Len(t, seen, 4, "devices spread over all partitions")
	assert.Equal(t, 0, PartitionFor("DEV001", 1))
	assert.Equal(t, 0, PartitionFor("DEV001", 0))
}

func TestPipeline_WindowsAnomaliesAndAlerts(t *testing.T) {
	out := &recorder{}
	p, m := newTestPipeline(t, defaultConfig(), out, highTempRule())
	p.Start()

	ctx := context.Background()
	inputs := []models.TelemetryRecord{
		rec("DEV001", 0, 21), rec("DEV002", 0, 35),
		rec("DEV001", 10, 22), rec("DEV002", 10, 36),
		rec("DEV001", 70, 23), rec("DEV002", 70, 37),
	}
	for _, r := range inputs {
		require.NoError(t, p.Submit(ctx, r))
	}
	require.NoError(t, p.Stop(ctx))

	windows, anomalies, alerts := out.snapshot()

	require.Len(t, windows, 4)
	assert.Equal(t, "DEV001", windows[0].DeviceID)
	assert.Equal(t, int64(2), windows[0].Count)
	assert.Equal(t, 21.5, windows[0].Temperature.Mean)
	assert.Equal(t, int64(1), windows[1].Count)
	assert.Equal(t, "DEV002", windows[2].DeviceID)
	assert.Equal(t, int64(2), windows[2].Count)
	assert.Equal(t, 36.0, windows[2].Temperature.Max)

	assert.Len(t, anomalies, 3)
	for _, a := range anomalies {
		assert.Equal(t, "DEV002", a.Record.DeviceID)
	}

	require.Len(t, alerts, 2, "fires at t=0, suppressed at t=10, reminds at t=70")
	assert.Equal(t, t0, alerts[0].Timestamp)
	assert.Equal(t, t0.Add(70*time.Second), alerts[1].Timestamp)

	s := p.Stats()
	assert.Equal(t, int64(4), s.Windows)
	assert.Equal(t, int64(3), s.Anomalies)
	assert.Equal(t, int64(2), s.Alerts)
	assert.Equal(t, int64(1), s.Suppressed)
	assert.Zero(t, s.OpenWindows)
	assert.Equal(t, 4, s.Partitions)
	assert.Equal(t, s.Snapshot, m.Snapshot())
}

func TestPipeline_SubmitAfterStop(t *testing.T) {
	p, _ := newTestPipeline(t, defaultConfig(), &recorder{})
	p.Start()
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()), "stop is idempotent")

	assert.ErrorIs(t, p.Submit(context.Background(), rec("DEV001", 0, 20)), ErrStopped)
}

func TestPipeline_BackpressureDropsOldest(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 4
	cfg.EnqueueTimeout = time.Millisecond
	out := &recorder{}
	p, _ := newTestPipeline(t, cfg, out)

	// worker 尚未启动，队列只能容纳 4 条
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(ctx, rec("DEV001", i, 20)))
	}

	s := p.Stats()
	assert.Equal(t, int64(32), s.QueueDropped)
	assert.Equal(t, 4, s.QueueDepths["agg-0"])
	assert.Equal(t, 4, s.QueueDepths["eval-0"])

	p.Start()
	require.NoError(t, p.Stop(ctx))

	windows, _, _ := out.snapshot()
	require.Len(t, windows, 1)
	assert.Equal(t, int64(4), windows[0].Count, "newest records survive")
	assert.Equal(t, 20.0, windows[0].Temperature.Mean)
}

func TestPipeline_IdleDeviceWindowsCloseWithoutNewRecords(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers = 1
	cfg.FlushEvery = 5 * time.Millisecond
	cfg.Window = aggregator.Config{Size: 10 * time.Millisecond, IdleTimeout: 20 * time.Millisecond}
	out := &recorder{}
	p, _ := newTestPipeline(t, cfg, out)
	p.Start()
	defer p.Stop(context.Background())

	require.NoError(t, p.Submit(context.Background(), rec("DEV009", 0, 20)))

	require.Eventually(t, func() bool {
		w, _, _ := out.snapshot()
		return len(w) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPipeline_WithDispatcher(t *testing.T) {
	m := metrics.New(nil)
	store := evaluator.NewRuleStore(nil)
	_, err := store.Replace([]models.AlertRule{highTempRule()})
	require.NoError(t, err)

	sink := &recorder{}
	d := dispatcher.New(dispatcher.Config{
		QueueSize:      16,
		EnqueueTimeout: time.Second,
		Timeout:        time.Second,
		MaxRetries:     1,
		RetryBackoff:   time.Millisecond,
	}, dispatcher.NewMemoryDeadLetterStore(10), dispatcher.NewMemoryAckStore(time.Hour, 100), m, zap.NewNop())
	d.RegisterAggregateSink(sink)
	d.RegisterAnomalySink(sink)
	d.RegisterChannel(sink)

	p := New(defaultConfig(), evaluator.NewClassifier(store, m), d, m, zap.NewNop())
	p.Start()

	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, rec("DEV002", 0, 35)))
	require.NoError(t, p.Submit(ctx, rec("DEV002", 10, 25)))
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, d.Close(ctx))

	windows, anomalies, alerts := sink.snapshot()
	assert.Len(t, windows, 1)
	assert.Len(t, anomalies, 1)
	require.Len(t, alerts, 1)
	assert.Equal(t, evaluator.AlertEventID("high-temp", "DEV002", t0), alerts[0].EventID)
	assert.Zero(t, d.DeadLetters())

	stats := p.Stats()
	assert.Equal(t, 64, stats.QueueCapacity)
	assert.Equal(t, map[string]int{"alert-log": 0}, stats.SinkQueueDepths)
}

func TestPipeline_StatsWithoutSinkQueues(t *testing.T) {
	p, _ := newTestPipeline(t, defaultConfig(), &recorder{})
	stats := p.Stats()
	assert.Equal(t, 4, stats.Partitions)
	assert.Equal(t, 64, stats.QueueCapacity)
	assert.Len(t, stats.QueueDepths, 8)
	assert.Nil(t, stats.SinkQueueDepths)
}
