package aggregator

import (
	"math/rand"
	"testing"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func rec(device string, sec float64, temp float64) models.TelemetryRecord {
	return models.TelemetryRecord{DeviceID: device, Timestamp: at(sec), Temperature: temp, Humidity: 50}
}

func newTestAggregator(t *testing.T) (*Aggregator, *metrics.Metrics, *time.Time) {
	t.Helper()
	m := metrics.New(nil)
	a := New(Config{Size: time.Minute, Grace: 10 * time.Second, IdleTimeout: 30 * time.Second, EvictAfter: time.Hour}, m, zap.NewNop())
	wall := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return wall }
	return a, m, &wall
}

func TestWindowStart_Floor(t *testing.T) {
	assert.Equal(t, at(0), WindowStart(at(59.999), time.Minute))
	assert.Equal(t, at(60), WindowStart(at(60), time.Minute))
	assert.Equal(t, time.Unix(-60, 0).UTC(), WindowStart(time.Unix(-1, 0), time.Minute))
}

func TestIngest_ClosesWindowAfterGrace(t *testing.T) {
	a, m, _ := newTestAggregator(t)

	assert.Empty(t, a.Ingest(rec("DEV001", 0, 20)))
	assert.Empty(t, a.Ingest(rec("DEV001", 30, 30)))
	// watermark 65: 60 + 10 = 70 尚未早于水位线
	assert.Empty(t, a.Ingest(rec("DEV001", 65, 25)))
	// 等于边界时不关闭（严格早于）
	assert.Empty(t, a.Ingest(rec("DEV001", 70, 25)))

	closed := a.Ingest(rec("DEV001", 71, 25))
	require.Len(t, closed, 1)
	w := closed[0]
	assert.Equal(t, "DEV001", w.DeviceID)
	assert.Equal(t, at(0), w.Start)
	assert.Equal(t, at(60), w.End)
	assert.Equal(t, int64(2), w.Count)
	assert.Equal(t, 25.0, w.Temperature.Mean)
	assert.Equal(t, 20.0, w.Temperature.Min)
	assert.Equal(t, 30.0, w.Temperature.Max)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WindowsEmitted))
	assert.Equal(t, 1, a.OpenWindows())
}

func TestIngest_DropsLateRecords(t *testing.T) {
	a, m, _ := newTestAggregator(t)

	a.Ingest(rec("DEV001", 0, 1))
	a.Ingest(rec("DEV001", 100, 1))

	// 100 - 10 = 90 之前的记录视为迟到
	assert.Empty(t, a.Ingest(rec("DEV001", 89, 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsLate))

	// 在容忍范围内的乱序记录仍然计入
	assert.Empty(t, a.Ingest(rec("DEV001", 91, 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsLate))

	// 其他设备的水位线互不影响
	assert.Empty(t, a.Ingest(rec("DEV002", 5, 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsLate))
}

func TestIngest_CountConservationWithBoundedLateness(t *testing.T) {
	a, m, _ := newTestAggregator(t)
	rng := rand.New(rand.NewSource(42))

	total := map[string]int64{}
	counted := map[string]int64{}
	seen := map[string]map[time.Time]bool{}

	base := map[string]float64{"DEV001": 0, "DEV002": 0, "DEV003": 0}
	devices := []string{"DEV001", "DEV002", "DEV003"}

	collect := func(ws []models.Window) {
		for _, w := range ws {
			if seen[w.DeviceID] == nil {
				seen[w.DeviceID] = map[time.Time]bool{}
			}
			require.False(t, seen[w.DeviceID][w.Start], "window emitted twice: %s", w.Key())
			seen[w.DeviceID][w.Start] = true
			counted[w.DeviceID] += w.Count
		}
	}

	for i := 0; i < 5000; i++ {
		d := devices[rng.Intn(len(devices))]
		base[d] += rng.Float64() * 5
		// 乱序幅度不超过 grace
		ts := base[d] - rng.Float64()*9.9
		total[d]++
		collect(a.Ingest(rec(d, ts, rng.Float64()*40)))
	}
	collect(a.Drain())

	assert.Equal(t, float64(0), testutil.ToFloat64(m.RecordsLate))
	assert.Equal(t, total, counted)
	assert.Zero(t, a.OpenWindows())
}

func TestFlushIdle_ClosesWindowsAndEvicts(t *testing.T) {
	a, m, wall := newTestAggregator(t)
	start := *wall

	a.Ingest(rec("DEV001", 0, 20))

	// 静默 29s：未达到 IdleTimeout
	assert.Empty(t, a.FlushIdle(start.Add(29*time.Second)))
	// 静默 71s：推算时间线到 71，窗口 [0,60) 关闭
	closed := a.FlushIdle(start.Add(71 * time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, int64(1), closed[0].Count)

	// 已发出的窗口不再接收记录
	assert.Empty(t, a.Ingest(rec("DEV001", 59, 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsLate))

	// 长期静默后回收状态
	assert.Empty(t, a.FlushIdle(start.Add(2*time.Hour)))
	assert.Equal(t, 0, a.Devices())

	// 回收后旧窗口仍视为已关闭
	assert.Empty(t, a.Ingest(rec("DEV001", 10, 1)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsLate))
	assert.Empty(t, a.Ingest(rec("DEV001", 120, 1)))
	assert.Equal(t, 1, a.OpenWindows())
}

func TestFlushIdle_BacklogAfterReconnectIsAggregated(t *testing.T) {
	a, m, wall := newTestAggregator(t)

	a.Ingest(rec("DEV001", 0, 20))
	closed := a.FlushIdle(wall.Add(5 * time.Minute))
	require.Len(t, closed, 1)

	// 设备恢复后补传的记录都比已观测的更新，不算迟到
	assert.Empty(t, a.Ingest(rec("DEV001", 70, 21)))
	assert.Empty(t, a.Ingest(rec("DEV001", 130, 22)))
	out := a.Ingest(rec("DEV001", 190, 23))

	assert.Zero(t, testutil.ToFloat64(m.RecordsLate))
	require.Len(t, out, 1)
	assert.Equal(t, at(60), out[0].Start)
	assert.Equal(t, int64(1), out[0].Count)
	assert.Equal(t, 2, a.OpenWindows())
}

func TestFlushIdle_PrunesTombstones(t *testing.T) {
	a, _, wall := newTestAggregator(t)

	a.Ingest(rec("DEV001", 0, 20))
	require.Len(t, a.FlushIdle(wall.Add(2*time.Hour)), 1)
	assert.Equal(t, 0, a.Devices())
	assert.Equal(t, 1, a.Tombstones())

	a.FlushIdle(wall.Add(150 * time.Minute))
	assert.Equal(t, 1, a.Tombstones())
	a.FlushIdle(wall.Add(3 * time.Hour))
	assert.Zero(t, a.Tombstones())
}

func TestDrain_EmitsOpenWindowsOnce(t *testing.T) {
	a, m, _ := newTestAggregator(t)

	a.Ingest(rec("DEV002", 5, 1))
	a.Ingest(rec("DEV001", 5, 1))
	a.Ingest(rec("DEV001", 61, 1))

	drained := a.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "DEV001", drained[0].DeviceID)
	assert.Equal(t, at(0), drained[0].Start)
	assert.Equal(t, at(60), drained[1].Start)
	assert.Equal(t, "DEV002", drained[2].DeviceID)
	assert.Empty(t, a.Drain())

	assert.Empty(t, a.Ingest(rec("DEV001", 62, 1)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsLate))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.WindowsEmitted))
}
