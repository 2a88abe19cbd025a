// Package reconcile merges the sensor snapshot and live frames into the
// latest reading per sensor and a bounded alert history.
//
// Readings are last-write-wins by event timestamp, so backlog re-delivered
// after a reconnect cannot roll a sensor back. Alerts are an append log:
// every alert-worthy frame becomes an entry, except that a live alert
// matching a seeded one (same sensor and timestamp) is absorbed once so the
// snapshot/live overlap is not counted twice.
package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stark-sentinel/tui/internal/client"
)

// DefaultCapacity is the alert history size.
const DefaultCapacity = 200

// ChangeKind describes what a notification is about.
type ChangeKind int

const (
	ChangeSeed ChangeKind = iota
	ChangeEvent
	ChangeReset
)

// Result is the outcome of one Ingest.
type Result struct {
	// Sensor is the reading now stored, when the frame updated it.
	Sensor *client.SensorReading
	// Alert is the appended record, when one was appended.
	Alert *client.AlertRecord
	// Stale is set when the frame was older than the stored reading.
	Stale bool
	// Deduped is set when the alert matched a seeded one and was absorbed.
	Deduped bool
}

// Changed reports whether the ingest altered state.
func (r Result) Changed() bool { return r.Sensor != nil || r.Alert != nil }

// Change is delivered to subscribers after state changes.
type Change struct {
	Kind   ChangeKind
	Result Result
}

// Stats counts what Ingest has seen since the last Reset.
type Stats struct {
	Ingested int
	Dropped  int
	Stale    int
	Deduped  int
}

type alertKey struct {
	sensor string
	ts     int64
}

// Reconciler holds reconciled state. It is safe for concurrent use;
// subscribers are called outside the lock.
type Reconciler struct {
	logger *slog.Logger

	mu      sync.Mutex
	sensors map[string]client.SensorReading
	alerts  *alertRing
	seeded  map[alertKey]int
	stats   Stats
	subs    map[int]func(Change)
	nextSub int
}

// New creates a Reconciler whose alert history holds capacity records.
// Non-positive capacity uses DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Reconciler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Reconciler{
		logger:  logger.With("component", "reconcile"),
		sensors: make(map[string]client.SensorReading),
		alerts:  newAlertRing(capacity),
		seeded:  make(map[alertKey]int),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers fn for change notifications and returns a func that
// removes it.
func (r *Reconciler) Subscribe(fn func(Change)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Seed loads the initial snapshot. Readings follow the same timestamp rule
// as live frames; alerts are appended oldest first so the newest ends on
// top.
func (r *Reconciler) Seed(snap client.Snapshot) {
	r.mu.Lock()
	for _, reading := range snap.Sensors {
		if cur, ok := r.sensors[reading.SensorID]; ok && reading.Timestamp.Before(cur.Timestamp) {
			continue
		}
		r.sensors[reading.SensorID] = reading
	}

	alerts := snap.Alerts
	if len(alerts) > len(r.alerts.buf) {
		alerts = alerts[:len(r.alerts.buf)]
	}
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		r.alerts.push(a)
		r.seeded[keyOf(a.SensorID, a.Timestamp)]++
	}
	subs := r.subscribers()
	r.mu.Unlock()

	r.logger.Debug("seeded", "sensors", len(snap.Sensors), "alerts", len(alerts))
	notify(subs, Change{Kind: ChangeSeed})
}

// Ingest applies one raw frame. A malformed frame is dropped, leaves state
// untouched, and returns an error wrapping client.ErrMalformedEvent.
func (r *Reconciler) Ingest(raw []byte) (Result, error) {
	f, err := client.ParseFrame(raw)
	if err != nil {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		r.logger.Warn("dropping frame", "error", err)
		return Result{}, err
	}
	return r.Apply(f), nil
}

// Apply merges an already-parsed frame.
func (r *Reconciler) Apply(f client.Frame) Result {
	var res Result

	r.mu.Lock()
	r.stats.Ingested++

	cur, had := r.sensors[f.SensorID]
	if had && f.Timestamp.Before(cur.Timestamp) {
		res.Stale = true
		r.stats.Stale++
	} else {
		next := client.SensorReading{
			SensorID:  f.SensorID,
			Status:    f.Status,
			Value:     f.Value,
			Message:   f.Message,
			Timestamp: f.Timestamp,
		}
		if next.Value == nil && had {
			next.Value = cur.Value
		}
		r.sensors[f.SensorID] = next
		res.Sensor = &next
	}

	if f.Status.Alerting() {
		key := keyOf(f.SensorID, f.Timestamp)
		if r.seeded[key] > 0 {
			r.seeded[key]--
			if r.seeded[key] == 0 {
				delete(r.seeded, key)
			}
			res.Deduped = true
			r.stats.Deduped++
		} else {
			a := client.AlertRecord{
				SensorID:  f.SensorID,
				Title:     alertTitle(f),
				Message:   f.Message,
				Status:    f.Status,
				Timestamp: f.Timestamp,
			}
			r.alerts.push(a)
			res.Alert = &a
		}
	}

	var subs []func(Change)
	if res.Changed() {
		subs = r.subscribers()
	}
	r.mu.Unlock()

	notify(subs, Change{Kind: ChangeEvent, Result: res})
	return res
}

// Reset clears all state and counters.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	clear(r.sensors)
	clear(r.seeded)
	r.alerts.reset()
	r.stats = Stats{}
	subs := r.subscribers()
	r.mu.Unlock()

	notify(subs, Change{Kind: ChangeReset})
}

// Sensors returns every reading, sorted by sensor id.
func (r *Reconciler) Sensors() []client.SensorReading {
	r.mu.Lock()
	out := make([]client.SensorReading, 0, len(r.sensors))
	for _, s := range r.sensors {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// Sensor returns the reading for id.
func (r *Reconciler) Sensor(id string) (client.SensorReading, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sensors[id]
	return s, ok
}

// Alerts returns the history, newest first.
func (r *Reconciler) Alerts() []client.AlertRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alerts.newestFirst()
}

// Capacity returns the maximum alert history length.
func (r *Reconciler) Capacity() int { return len(r.alerts.buf) }

// Stats returns the ingest counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// subscribers snapshots the subscriber list. Callers hold r.mu.
func (r *Reconciler) subscribers() []func(Change) {
	if len(r.subs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
	}
	return out
}

func notify(subs []func(Change), c Change) {
	for _, fn := range subs {
		fn(c)
	}
}

func keyOf(sensor string, ts time.Time) alertKey {
	return alertKey{sensor: sensor, ts: ts.UnixNano()}
}

func alertTitle(f client.Frame) string {
	if f.Title != "" {
		return f.Title
	}
	if f.Type == client.FrameAlert {
		if f.Status == client.StatusCritical {
			return "Critical alert"
		}
		return "Warning"
	}
	return fmt.Sprintf("%s %s", f.SensorID, f.Status)
}
