package consumer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"wisefido-telemetry/internal/models"
)

// ErrMalformedEntry 原始条目无法解析为遥测记录
var ErrMalformedEntry = errors.New("malformed telemetry entry")

// 毫秒时间戳判定阈值（> 1e12 视为毫秒）
const epochMillisThreshold = 1e12

// MaxFutureSkew 时间戳允许超前墙钟的最大值；更远的未来时间会把设备水位线推到无法恢复的位置
const MaxFutureSkew = 24 * time.Hour

// 时间戳必须落在 UnixNano 可表示的范围内（1970 起，2262 止）
var maxTimestamp = time.Unix(0, math.MaxInt64).UTC()

// clock 墙钟（测试可替换）
var clock = time.Now

// ParseRecord 解析原始 JSON 负载为 TelemetryRecord
func ParseRecord(payload []byte) (models.TelemetryRecord, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if raw == nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: payload is not an object", ErrMalformedEntry)
	}

	deviceID := stringField(raw, "deviceId", "device_id")
	if deviceID == "" {
		return models.TelemetryRecord{}, fmt.Errorf("%w: missing deviceId", ErrMalformedEntry)
	}

	ts, err := parseTimestamp(raw["timestamp"])
	if err == nil {
		err = checkTimestamp(ts)
	}
	if err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedEntry, err)
	}

	temperature, err := parseNumber(raw["temperature"])
	if err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: temperature: %v", ErrMalformedEntry, err)
	}
	humidity, err := parseNumber(raw["humidity"])
	if err != nil {
		return models.TelemetryRecord{}, fmt.Errorf("%w: humidity: %v", ErrMalformedEntry, err)
	}

	return models.TelemetryRecord{
		DeviceID:    deviceID,
		Timestamp:   ts,
		Temperature: temperature,
		Humidity:    humidity,
		Location:    stringField(raw, "location"),
	}, nil
}

func stringField(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errors.New("missing")
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errors.New("empty")
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized format %q", s)
		}
		return fromEpoch(f)
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f > epochMillisThreshold {
		if f/1e3 >= float64(maxTimestamp.Unix()) {
			return time.Time{}, fmt.Errorf("epoch %v out of range", f)
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// checkTimestamp 拒绝 1970 之前、超出 UnixNano 范围或超前墙钟过多的时间
func checkTimestamp(ts time.Time) error {
	if ts.Before(time.Unix(0, 0)) || !ts.Before(maxTimestamp) {
		return fmt.Errorf("%s out of range", ts.Format(time.RFC3339))
	}
	if limit := clock().Add(MaxFutureSkew); ts.After(limit) {
		return fmt.Errorf("%s is more than %s ahead of now", ts.Format(time.RFC3339), MaxFutureSkew)
	}
	return nil
}

func parseNumber(v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, errors.New("missing")
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not finite")
	}
	return f, nil
}
