package aggregator

import (
	"sort"
	"sync"
	"time"

	"wisefido-telemetry/internal/metrics"
	"wisefido-telemetry/internal/models"

	"go.uber.org/zap"
)

// Config 窗口聚合配置
type Config struct {
	Size        time.Duration // 窗口长度
	Grace       time.Duration // 迟到容忍
	IdleTimeout time.Duration // 设备静默超过该时长后，按墙钟推算的时间线关闭窗口
	EvictAfter  time.Duration // 无未关闭窗口的设备静默超过该时长后回收状态；回收标记再保留同样时长
}

// deviceState 单个设备的窗口状态
type deviceState struct {
	maxEvent   time.Time // 观测到的最大事件时间
	watermark  time.Time // 当前水位线（观测到的最大事件时间，只由记录推进）
	closedUpTo time.Time // 早于此时间的窗口均已发出
	lastSeen   time.Time // 最近一次收到记录的墙钟时间
	open       map[int64]*models.Accumulator
}

// Aggregator 按设备的翻滚窗口聚合器
// 每个分区一个实例；Ingest/FlushIdle/Drain 可能来自不同 goroutine，内部加锁。
type Aggregator struct {
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	// evicted 已回收设备的 closedUpTo，防止回收后迟到记录重开已发出的窗口
	evicted map[string]tombstone
}

type tombstone struct {
	closedUpTo time.Time
	evictedAt  time.Time // 墙钟
}

// New 创建聚合器
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if cfg.Size <= 0 {
		cfg.Size = time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Aggregator{
		cfg:     cfg,
		now:     time.Now,
		metrics: m,
		logger:  logger,
		devices: make(map[string]*deviceState),
		evicted: make(map[string]tombstone),
	}
}

// WindowStart floor(ts / size) * size
func WindowStart(ts time.Time, size time.Duration) time.Time {
	ns := ts.UnixNano()
	step := size.Nanoseconds()
	rem := ns % step
	if rem < 0 {
		rem += step
	}
	return time.Unix(0, ns-rem).UTC()
}

// Ingest 累加一条记录，返回因水位线推进而关闭的窗口（按开始时间升序）
func (a *Aggregator) Ingest(rec models.TelemetryRecord) []models.Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(rec.DeviceID)
	st.lastSeen = a.now()

	start := WindowStart(rec.Timestamp, a.cfg.Size)
	if a.isLate(st, rec.Timestamp, start) {
		a.metrics.RecordsLate.Inc()
		a.logger.Debug("Dropping late record",
			zap.String("device_id", rec.DeviceID),
			zap.Time("timestamp", rec.Timestamp),
			zap.Time("watermark", st.watermark),
		)
		return nil
	}

	if rec.Timestamp.After(st.maxEvent) {
		st.maxEvent = rec.Timestamp
	}
	if st.maxEvent.After(st.watermark) {
		st.watermark = st.maxEvent
	}

	key := start.UnixNano()
	acc, ok := st.open[key]
	if !ok {
		acc = models.NewAccumulator(rec.DeviceID, start, start.Add(a.cfg.Size))
		st.open[key] = acc
	}
	acc.Add(rec)

	return a.closeExpired(st, st.watermark)
}

// FlushIdle 关闭静默设备的过期窗口，同时回收长期静默设备的状态
// 静默设备按 maxEvent + 静默时长 推算关闭界限，但不改动水位线：
// 设备恢复后补传的较新记录仍正常聚合，已发出的窗口由 closedUpTo 保护。
func (a *Aggregator) FlushIdle(now time.Time) []models.Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.Window
	for id, st := range a.devices {
		idle := now.Sub(st.lastSeen)
		if a.cfg.IdleTimeout > 0 && idle >= a.cfg.IdleTimeout && len(st.open) > 0 {
			out = append(out, a.closeExpired(st, st.maxEvent.Add(idle))...)
		}
		if a.cfg.EvictAfter > 0 && idle >= a.cfg.EvictAfter && len(st.open) == 0 {
			a.evicted[id] = tombstone{closedUpTo: st.closedUpTo, evictedAt: now}
			delete(a.devices, id)
			a.logger.Debug("Evicted idle device state", zap.String("device_id", id))
		}
	}
	if a.cfg.EvictAfter > 0 {
		for id, tb := range a.evicted {
			if now.Sub(tb.evictedAt) >= a.cfg.EvictAfter {
				delete(a.evicted, id)
			}
		}
	}
	sortWindows(out)
	return out
}

// Drain 发出所有未关闭的窗口（停机时调用）
func (a *Aggregator) Drain() []models.Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []models.Window
	for _, st := range a.devices {
		for key, acc := range st.open {
			out = append(out, acc.Snapshot())
			if acc.End.After(st.closedUpTo) {
				st.closedUpTo = acc.End
			}
			delete(st.open, key)
		}
	}
	a.metrics.WindowsEmitted.Add(float64(len(out)))
	sortWindows(out)
	return out
}

// OpenWindows 当前未关闭的窗口数量
func (a *Aggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, st := range a.devices {
		n += len(st.open)
	}
	return n
}

// Tombstones 已回收设备保留的关闭标记数量
func (a *Aggregator) Tombstones() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.evicted)
}

// Devices 当前持有状态的设备数量
func (a *Aggregator) Devices() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices)
}

func (a *Aggregator) state(deviceID string) *deviceState {
	st, ok := a.devices[deviceID]
	if ok {
		return st
	}
	st = &deviceState{open: make(map[int64]*models.Accumulator)}
	if tb, ok := a.evicted[deviceID]; ok {
		st.closedUpTo = tb.closedUpTo
		st.maxEvent = tb.closedUpTo
		st.watermark = tb.closedUpTo
		delete(a.evicted, deviceID)
	}
	a.devices[deviceID] = st
	return st
}

func (a *Aggregator) isLate(st *deviceState, ts, windowStart time.Time) bool {
	if !st.watermark.IsZero() && ts.Before(st.watermark.Add(-a.cfg.Grace)) {
		return true
	}
	return !st.closedUpTo.IsZero() && windowStart.Before(st.closedUpTo)
}

// closeExpired 关闭 end + grace 严格早于 horizon 的窗口
func (a *Aggregator) closeExpired(st *deviceState, horizon time.Time) []models.Window {
	var out []models.Window
	for key, acc := range st.open {
		if acc.End.Add(a.cfg.Grace).Before(horizon) {
			out = append(out, acc.Snapshot())
			if acc.End.After(st.closedUpTo) {
				st.closedUpTo = acc.End
			}
			delete(st.open, key)
		}
	}
	if len(out) > 0 {
		a.metrics.WindowsEmitted.Add(float64(len(out)))
		sortWindows(out)
	}
	return out
}

func sortWindows(ws []models.Window) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].DeviceID != ws[j].DeviceID {
			return ws[i].DeviceID < ws[j].DeviceID
		}
		return ws[i].Start.Before(ws[j].Start)
	})
}
