package conn

import "time"

const (
	DefaultBase = 1 * time.Second
	DefaultCap  = 10 * time.Second
)

// Backoff computes reconnect delays: base doubled per attempt, capped.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	return b
}

// Delay returns min(Base*2^(attempt-1), Cap). Attempts below 1 count as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d > b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	return min(d, b.Cap)
}
