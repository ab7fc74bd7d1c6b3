package clock

import (
	"sync"
	"time"
)

// Clock is the time source for reservation TTLs and token expiry. Services
// take it as a dependency so tests can step time with a *Manual.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func NewSystem() Clock { return System{} }

func (System) Now() time.Time { return time.Now().UTC() }

// Manual only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}
