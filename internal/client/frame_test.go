package client

import (
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"ok", StatusNormal, true},
		{"INFO", StatusNormal, true},
		{"normal", StatusNormal, true},
		{"warn", StatusWarning, true},
		{" Warning ", StatusWarning, true},
		{"critical", StatusCritical, true},
		{"error", StatusCritical, true},
		{"alert", StatusCritical, true},
		{"", "", false},
		{"meltdown", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		json string
	}{
		{"rfc3339", `"2024-05-01T12:30:00Z"`},
		{"rfc3339 offset", `"2024-05-01T14:30:00+02:00"`},
		{"naive iso", `"2024-05-01T12:30:00"`},
		{"naive space", `"2024-05-01 12:30:00"`},
		{"epoch seconds", `1714566600`},
		{"epoch millis", `1714566600000`},
		{"epoch string", `"1714566600"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(gjson.Parse(tt.json))
			if err != nil {
				t.Fatalf("ParseTimestamp: %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}

	got, err := ParseTimestamp(gjson.Parse(`"2024-05-01T12:30:00.123456"`))
	if err != nil || got.Nanosecond() != 123456000 {
		t.Errorf("fractional naive = %s, %v", got, err)
	}

	for _, bad := range []string{`""`, `"yesterday"`, `null`, `true`, `-5`} {
		if _, err := ParseTimestamp(gjson.Parse(bad)); err == nil {
			t.Errorf("ParseTimestamp(%s) should fail", bad)
		}
	}
	if _, err := ParseTimestamp(gjson.Result{}); err == nil {
		t.Error("missing timestamp should fail")
	}
}

func TestParseFrameAlert(t *testing.T) {
	raw := []byte(`{"type":"alert","level":"critical","title":"Access denied","sensor":"access",
		"payload":{"granted":false,"card_id":"CARD-001"},"ts":"2024-05-01T12:30:00"}`)
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Type != FrameAlert || f.SensorID != "access" || f.Status != StatusCritical {
		t.Errorf("unexpected frame %+v", f)
	}
	if f.Title != "Access denied" {
		t.Errorf("Title = %q", f.Title)
	}
	// No message: falls back to the payload document.
	if f.Message != `{"granted":false,"card_id":"CARD-001"}` {
		t.Errorf("Message = %q", f.Message)
	}
}

func TestParseFrameDefaults(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"alert","sensor":"motion","ts":1714566600}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != StatusCritical {
		t.Errorf("alert without level: status %q, want critical", f.Status)
	}
	if f.Value != nil {
		t.Errorf("alert without payload should have nil value, got %s", f.Value)
	}

	f, err = ParseFrame([]byte(`{"type":"sensor_update","sensor_id":"temperature","value":{"value":22},"timestamp":1714566600}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != StatusNormal {
		t.Errorf("sensor_update without status: %q, want normal", f.Status)
	}
	if string(f.Value) != `{"value":22}` {
		t.Errorf("Value = %s", f.Value)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"array", `[1,2]`},
		{"unknown type", `{"type":"heartbeat","sensor":"m","ts":1}`},
		{"missing type", `{"sensor":"m","ts":1}`},
		{"missing sensor", `{"type":"alert","level":"critical","ts":1}`},
		{"blank sensor", `{"type":"alert","sensor":"  ","ts":1}`},
		{"numeric sensor", `{"type":"alert","sensor":7,"ts":1}`},
		{"bad status", `{"type":"sensor_update","sensor":"m","status":"purple","ts":1}`},
		{"missing ts", `{"type":"sensor_update","sensor":"m"}`},
		{"bad ts", `{"type":"sensor_update","sensor":"m","ts":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	body := []byte(`{
		"temperature": {"last_value": 41.5, "last_ts": "2024-05-01T12:00:00", "status": "warning"},
		"motion": {"last_state": "detected", "last_ts": "2024-05-01T11:00:00"},
		"access": {"last_state": null},
		"version": 3,
		"alerts": [
			{"level":"warning","sensor":"temperature","message":"hot","ts":"2024-05-01T12:00:00"},
			{"sensor":"motion","message":"unauthorized","ts":"2024-05-01T11:00:00"},
			{"message":"no sensor","ts":"2024-05-01T10:00:00"},
			{"level":"critical","sensor":"access","message":"denied","ts":"2024-05-01T13:00:00"}
		]
	}`)
	snap, skipped, err := ParseSnapshot(body)
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2 (version, sensorless alert)", skipped)
	}

	if len(snap.Sensors) != 3 {
		t.Fatalf("got %d sensors, want 3", len(snap.Sensors))
	}
	ids := []string{snap.Sensors[0].SensorID, snap.Sensors[1].SensorID, snap.Sensors[2].SensorID}
	if ids[0] != "access" || ids[1] != "motion" || ids[2] != "temperature" {
		t.Errorf("sensors not sorted: %v", ids)
	}
	temp := snap.Sensors[2]
	if temp.Status != StatusWarning || string(temp.Value) != "41.5" {
		t.Errorf("temperature = %+v", temp)
	}
	motion := snap.Sensors[1]
	if motion.Status != StatusNormal || string(motion.Value) != `"detected"` {
		t.Errorf("motion = %+v", motion)
	}
	if !snap.Sensors[0].Timestamp.IsZero() {
		t.Errorf("access without ts should seed zero time")
	}

	if len(snap.Alerts) != 3 {
		t.Fatalf("got %d alerts, want 3", len(snap.Alerts))
	}
	if snap.Alerts[0].SensorID != "access" || snap.Alerts[2].SensorID != "motion" {
		t.Errorf("alerts not newest first: %+v", snap.Alerts)
	}
	if snap.Alerts[2].Status != StatusCritical {
		t.Errorf("alert without level should be critical, got %q", snap.Alerts[2].Status)
	}
}

func TestParseSnapshotInvalid(t *testing.T) {
	for _, body := range []string{`nope`, `[]`, `"str"`} {
		if _, _, err := ParseSnapshot([]byte(body)); !errors.Is(err, ErrSnapshotFetch) {
			t.Errorf("ParseSnapshot(%s) err = %v, want ErrSnapshotFetch", body, err)
		}
	}
}
