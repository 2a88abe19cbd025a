package client

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// naiveLayouts are ISO-8601 forms without a zone; the backend emits these
// from datetime.utcnow().isoformat(), so they are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339, zone-less ISO-8601 (UTC), or epoch
// seconds/milliseconds, given either as a JSON number or string.
func ParseTimestamp(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		return fromEpoch(v.Float())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		for _, layout := range naiveLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t, nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return time.Time{}, fmt.Errorf("timestamp missing")
}

// Values above this are taken as milliseconds (year 2286 in seconds).
const epochMillisThreshold = 1e10

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// first returns the first present field among names.
func first(obj gjson.Result, names ...string) gjson.Result {
	for _, n := range names {
		if r := obj.Get(n); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// ParseFrame validates one live-channel message. Every failure wraps
// ErrMalformedEvent.
func ParseFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, malformed("invalid json")
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return Frame{}, malformed("frame is not an object")
	}

	typ := FrameType(obj.Get("type").String())
	switch typ {
	case FrameAlert, FrameSensorUpdate:
	default:
		return Frame{}, malformed("unknown frame type %q", typ)
	}
	return parseFrameObject(obj, typ)
}

func parseFrameObject(obj gjson.Result, typ FrameType) (Frame, error) {
	f := Frame{Type: typ}

	sensor := first(obj, "sensor", "sensor_id")
	if sensor.Type != gjson.String || strings.TrimSpace(sensor.Str) == "" {
		return Frame{}, malformed("missing sensor id")
	}
	f.SensorID = strings.TrimSpace(sensor.Str)

	if lvl := first(obj, "level", "status"); lvl.Exists() {
		st, ok := ParseStatus(lvl.String())
		if !ok {
			return Frame{}, malformed("unknown status %q", lvl.String())
		}
		f.Status = st
	} else if typ == FrameAlert {
		f.Status = StatusCritical
	} else {
		f.Status = StatusNormal
	}

	ts, err := ParseTimestamp(first(obj, "ts", "timestamp"))
	if err != nil {
		return Frame{}, malformed("%v", err)
	}
	f.Timestamp = ts

	if v := first(obj, "payload", "value"); v.Exists() {
		f.Value = []byte(v.Raw)
	}
	f.Title = obj.Get("title").String()
	f.Message = obj.Get("message").String()
	if f.Message == "" && typ == FrameAlert && f.Value != nil {
		f.Message = string(f.Value)
	}
	return f, nil
}

// ParseSnapshot reads the body of GET /api/sensors: an object keyed by
// sensor id, plus an optional "alerts" array of alert frames. Entries that
// cannot be read are skipped; the count is returned.
func ParseSnapshot(body []byte) (Snapshot, int, error) {
	if !gjson.ValidBytes(body) {
		return Snapshot{}, 0, fmt.Errorf("%w: invalid json", ErrSnapshotFetch)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Snapshot{}, 0, fmt.Errorf("%w: body is not an object", ErrSnapshotFetch)
	}

	var snap Snapshot
	skipped := 0
	root.ForEach(func(key, value gjson.Result) bool {
		if key.Str == "alerts" {
			if !value.IsArray() {
				skipped++
				return true
			}
			for _, item := range value.Array() {
				f, err := parseFrameObject(item, FrameAlert)
				if err != nil {
					skipped++
					continue
				}
				snap.Alerts = append(snap.Alerts, AlertRecord{
					SensorID:  f.SensorID,
					Title:     f.Title,
					Message:   f.Message,
					Status:    f.Status,
					Timestamp: f.Timestamp,
				})
			}
			return true
		}
		if !value.IsObject() {
			skipped++
			return true
		}
		snap.Sensors = append(snap.Sensors, readingFromEntry(key.Str, value))
		return true
	})

	sort.Slice(snap.Sensors, func(i, j int) bool {
		return snap.Sensors[i].SensorID < snap.Sensors[j].SensorID
	})
	// Newest first, matching alert history order.
	sort.SliceStable(snap.Alerts, func(i, j int) bool {
		return snap.Alerts[i].Timestamp.After(snap.Alerts[j].Timestamp)
	})
	return snap, skipped, nil
}

func readingFromEntry(id string, entry gjson.Result) SensorReading {
	r := SensorReading{SensorID: id, Status: StatusNormal}
	if st, ok := ParseStatus(entry.Get("status").String()); ok {
		r.Status = st
	}
	if v := first(entry, "last_value", "last_state", "value"); v.Exists() {
		r.Value = []byte(v.Raw)
	}
	r.Message = entry.Get("message").String()
	// A reading without a usable timestamp seeds as the zero time so any
	// live update supersedes it.
	if ts, err := ParseTimestamp(first(entry, "last_ts", "ts", "timestamp")); err == nil {
		r.Timestamp = ts
	}
	return r
}
