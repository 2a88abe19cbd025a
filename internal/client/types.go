package client

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the severity of a sensor reading or alert.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// ParseStatus maps the backend's status and level spellings onto Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok", "info", "normal":
		return StatusNormal, true
	case "warn", "warning":
		return StatusWarning, true
	case "critical", "error", "alert":
		return StatusCritical, true
	}
	return "", false
}

// Alerting reports whether a reading with this status belongs in alert history.
func (s Status) Alerting() bool {
	return s == StatusWarning || s == StatusCritical
}

// FrameType is the discriminator of a live event frame.
type FrameType string

const (
	FrameAlert        FrameType = "alert"
	FrameSensorUpdate FrameType = "sensor_update"
)

// Frame is a validated inbound event from the live channel.
type Frame struct {
	Type     FrameType
	SensorID string
	Status   Status
	Title    string
	Message  string
	// Value is the raw payload/value document; nil when the frame carried none.
	Value     json.RawMessage
	Timestamp time.Time
}

// SensorReading is the latest known observation of one sensor.
type SensorReading struct {
	SensorID  string          `json:"sensor_id"`
	Status    Status          `json:"status"`
	Value     json.RawMessage `json:"value,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertRecord is one entry in the alert history.
type AlertRecord struct {
	SensorID  string    `json:"sensor_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the initial state returned by GET /api/sensors.
type Snapshot struct {
	Sensors []SensorReading
	Alerts  []AlertRecord
}

// --- HTTP request/response types ---

// User is the identity block of a token response.
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TokenResponse is returned by POST /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	User        *User  `json:"user,omitempty"`
}

// Login is the outcome of a successful authentication.
type Login struct {
	Identity string
	Role     string
	Token    string
}

// Metrics is returned by GET /api/metrics.
type Metrics struct {
	EventsProcessed int64   `json:"events_processed"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// SimulateRequest is the body of POST /api/simulate.
type SimulateRequest struct {
	Sensor  string          `json:"sensor"`
	Payload json.RawMessage `json:"payload"`
}
