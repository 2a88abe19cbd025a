package reconcile

import "github.com/stark-sentinel/tui/internal/client"

// alertRing is a fixed-capacity history. Pushing onto a full ring
// overwrites the oldest record.
type alertRing struct {
	buf  []client.AlertRecord
	next int
	n    int
}

func newAlertRing(capacity int) *alertRing {
	return &alertRing{buf: make([]client.AlertRecord, capacity)}
}

func (r *alertRing) push(a client.AlertRecord) {
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// newestFirst returns a copy ordered from most to least recently pushed.
func (r *alertRing) newestFirst() []client.AlertRecord {
	out := make([]client.AlertRecord, r.n)
	size := len(r.buf)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.next-1-i+size)%size]
	}
	return out
}

func (r *alertRing) reset() {
	clear(r.buf)
	r.next = 0
	r.n = 0
}
