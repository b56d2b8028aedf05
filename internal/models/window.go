package models

import (
	"math"
	"time"
)

// FieldStats 单个数值字段在窗口内的统计
type FieldStats struct {
	Sum  float64 `json:"sum"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Window 已关闭的翻滚窗口快照，键为 (DeviceID, Start)
type Window struct {
	DeviceID    string     `json:"device_id"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"window_start"`
	End         time.Time  `json:"window_end"`
	Count       int64      `json:"count"`
	Temperature FieldStats `json:"temperature"`
	Humidity    FieldStats `json:"humidity"`
}

// Key 窗口的幂等键
func (w Window) Key() string {
	return w.DeviceID + "@" + w.Start.UTC().Format(time.RFC3339Nano)
}

// Accumulator 窗口累加器（仅聚合器持有）
type Accumulator struct {
	DeviceID string
	Location string
	Start    time.Time
	End      time.Time
	Count    int64

	tempSum, tempMin, tempMax float64
	humSum, humMin, humMax    float64
}

// NewAccumulator 创建空累加器
func NewAccumulator(deviceID string, start, end time.Time) *Accumulator {
	return &Accumulator{
		DeviceID: deviceID,
		Start:    start,
		End:      end,
		tempMin:  math.Inf(1),
		tempMax:  math.Inf(-1),
		humMin:   math.Inf(1),
		humMax:   math.Inf(-1),
	}
}

// Add 累加一条记录
func (a *Accumulator) Add(r TelemetryRecord) {
	a.Count++
	if r.Location != "" {
		a.Location = r.Location
	}
	a.tempSum += r.Temperature
	a.tempMin = math.Min(a.tempMin, r.Temperature)
	a.tempMax = math.Max(a.tempMax, r.Temperature)
	a.humSum += r.Humidity
	a.humMin = math.Min(a.humMin, r.Humidity)
	a.humMax = math.Max(a.humMax, r.Humidity)
}

// Snapshot 生成不可变的窗口快照
func (a *Accumulator) Snapshot() Window {
	w := Window{
		DeviceID: a.DeviceID,
		Location: a.Location,
		Start:    a.Start,
		End:      a.End,
		Count:    a.Count,
	}
	if a.Count > 0 {
		n := float64(a.Count)
		w.Temperature = FieldStats{Sum: a.tempSum, Min: a.tempMin, Max: a.tempMax, Mean: a.tempSum / n}
		w.Humidity = FieldStats{Sum: a.humSum, Min: a.humMin, Max: a.humMax, Mean: a.humSum / n}
	}
	return w
}
