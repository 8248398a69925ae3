// Package dutycycle limits raw capture to a periodic on-window.
//
// With an on-duration of 100ms and a period of 1s, only records stamped in
// the first 100ms of every second (measured from the first record seen)
// are admitted to raw storage.
package dutycycle

import (
	"sync"
	"time"
)

// Gate decides whether a record timestamp falls inside the current
// on-window. The zero value, or a gate with a non-positive on-duration or
// period, admits everything.
type Gate struct {
	mu sync.Mutex

	on     time.Duration
	period time.Duration

	seeded    bool
	currentOn time.Time
	nextOn    time.Time

	admitted int64
	rejected int64
	resyncs  int64
}

// Stats holds gate counters.
type Stats struct {
	Admitted int64
	Rejected int64
	Resyncs  int64
}

// New creates a gate.
func New(on, period time.Duration) *Gate {
	return &Gate{on: on, period: period}
}

// Enabled reports whether the gate filters at all.
func (g *Gate) Enabled() bool {
	return g != nil && g.on > 0 && g.period > 0
}

// Admit reports whether a record at ts should be written. The first call
// seeds the window at ts. Once ts passes the next window start the window
// advances to it; if ts is more than a full period beyond that start (a gap
// in the input), the window resynchronises to ts instead.
func (g *Gate) Admit(ts time.Time) bool {
	if !g.Enabled() {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case !g.seeded:
		g.seeded = true
		g.currentOn = ts
		g.nextOn = ts.Add(g.period)
	case ts.After(g.nextOn):
		if ts.Sub(g.nextOn) > g.period {
			g.currentOn = ts
			g.resyncs++
		} else {
			g.currentOn = g.nextOn
		}
		g.nextOn = g.currentOn.Add(g.period)
	}

	if ts.After(g.currentOn.Add(g.on)) {
		g.rejected++
		return false
	}
	g.admitted++
	return true
}

// Reset forgets the window so the next record seeds it again.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.seeded = false
	g.mu.Unlock()
}

// Stats returns gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Admitted: g.admitted, Rejected: g.rejected, Resyncs: g.resyncs}
}
