package debug

import (
	"strings"
	"testing"
	"time"
)

func TestAddEntry(t *testing.T) {
	m := New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }
	m.Addf(KindConn, "state %s", "open")
	if len(m.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.Entries))
	}
	e := m.Entries[0]
	if e.Kind != KindConn || e.Message != "state open" || !e.Time.Equal(at) {
		t.Errorf("entry = %+v", e)
	}
}

func TestMaxEntries(t *testing.T) {
	m := New()
	for i := 0; i < maxEntries+50; i++ {
		m.Add(KindData, "msg")
	}
	if len(m.Entries) != maxEntries {
		t.Errorf("expected %d entries, got %d", maxEntries, len(m.Entries))
	}
}

func TestScroll(t *testing.T) {
	tests := []struct {
		name    string
		entries int
		up      int
		down    int
		want    int
	}{
		{"up then down", 20, 5, 3, 2},
		{"down floors at zero", 20, 5, 10, 0},
		{"up capped at len-1", 5, 100, 0, 4},
		{"empty", 0, 3, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			for i := 0; i < tt.entries; i++ {
				m.Add(KindData, "msg")
			}
			m.ScrollUp(tt.up)
			m.ScrollDown(tt.down)
			if m.Offset != tt.want {
				t.Errorf("Offset = %d, want %d", m.Offset, tt.want)
			}
		})
	}
}

func TestViewEmpty(t *testing.T) {
	if v := New().View(80, 20); !strings.Contains(v, "No events") {
		t.Error("empty view should show 'No events' message")
	}
}

func TestViewWithEntries(t *testing.T) {
	m := New()
	m.Add(KindConn, "connected")
	m.Add(KindError, "timeout")
	v := m.View(80, 20)
	for _, want := range []string{"connected", "timeout", "2 entries"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestAddResetsScroll(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.Add(KindData, "msg")
	}
	m.ScrollUp(5)
	m.Add(KindData, "new")
	if m.Offset != 0 {
		t.Error("adding entry should reset scroll to 0")
	}
}
