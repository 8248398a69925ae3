// Package backpressure watches the depth of the ingestion queue.
//
// The ingestion queue is unbounded, so nothing is ever dropped or
// throttled here. The monitor turns the queue depth into a level with
// hysteresis so that operators get one log line per change instead of one
// per check, and so that deferrable work such as aggregation can yield
// while the writer is behind.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - the writer keeps up.
	LevelNormal Level = iota

	// LevelWarning - the queue is growing.
	LevelWarning

	// LevelCritical - the writer is far behind; pause deferrable work.
	LevelCritical
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds configures a Monitor.
type Thresholds struct {
	// Warning and Critical are queue depths in records.
	Warning  int
	Critical int

	// Hysteresis is the fraction below a threshold the depth must fall
	// before the level drops again.
	Hysteresis float64

	// Cooldown is the minimum time between two evaluations.
	Cooldown time.Duration
}

// DefaultThresholds returns default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:    10_000,
		Critical:   100_000,
		Hysteresis: 0.2,
		Cooldown:   time.Second,
	}
}

// Monitor derives a level from observed queue depths.
type Monitor struct {
	mu sync.Mutex

	th  Thresholds
	now func() time.Time

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	lastDepth int

	stats Stats

	onLevelChange func(old, new Level, depth int)
}

// Stats holds monitor statistics.
type Stats struct {
	Checks        int64
	LevelChanges  int64
	WarningCount  int64
	CriticalCount int64
	MaxDepth      int
}

// New creates a monitor.
func New(th Thresholds) *Monitor {
	if th.Critical < th.Warning {
		th.Critical = th.Warning
	}
	if th.Hysteresis < 0 || th.Hysteresis >= 1 {
		th.Hysteresis = 0
	}
	return &Monitor{th: th, now: time.Now}
}

// SetOnLevelChange sets the callback for level changes.
func (m *Monitor) SetOnLevelChange(fn func(old, new Level, depth int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Check evaluates depth and updates the level. Calls within the cooldown
// return the current level unchanged.
func (m *Monitor) Check(depth int) Level {
	m.mu.Lock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.th.Cooldown {
		m.mu.Unlock()
		return m.CurrentLevel()
	}
	m.lastCheck = now
	m.lastDepth = depth
	m.stats.Checks++
	if depth > m.stats.MaxDepth {
		m.stats.MaxDepth = depth
	}

	old := m.lastLevel
	newLevel := m.determineLevel(depth)
	var fn func(old, new Level, depth int)
	if newLevel != old {
		m.setLevel(newLevel)
		fn = m.onLevelChange
	}
	m.mu.Unlock()

	// Outside the lock so the callback may query the monitor.
	if fn != nil {
		fn(old, newLevel, depth)
	}
	return newLevel
}

// determineLevel determines the level for depth.
func (m *Monitor) determineLevel(depth int) Level {
	th := m.th

	// Going up
	if th.Critical > 0 && depth >= th.Critical {
		return LevelCritical
	}
	if th.Warning > 0 && depth >= th.Warning {
		if m.lastLevel == LevelCritical && depth >= lower(th.Critical, th.Hysteresis) {
			return LevelCritical
		}
		return LevelWarning
	}

	// Going down - apply hysteresis
	switch m.lastLevel {
	case LevelCritical:
		if depth >= lower(th.Critical, th.Hysteresis) {
			return LevelCritical
		}
		if depth >= lower(th.Warning, th.Hysteresis) {
			return LevelWarning
		}
		return LevelNormal
	case LevelWarning:
		if depth >= lower(th.Warning, th.Hysteresis) {
			return LevelWarning
		}
		return LevelNormal
	default:
		return LevelNormal
	}
}

func lower(threshold int, hysteresis float64) int {
	return int(float64(threshold) * (1 - hysteresis))
}

// setLevel records a level change. Caller holds mu.
func (m *Monitor) setLevel(newLevel Level) {
	m.lastLevel = newLevel
	m.level.Store(int32(newLevel))
	m.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		m.stats.WarningCount++
	case LevelCritical:
		m.stats.CriticalCount++
	}
}

// CurrentLevel returns the current level.
func (m *Monitor) CurrentLevel() Level {
	return Level(m.level.Load())
}

// ShouldPauseAggregation reports whether deferrable aggregation work
// should wait for the writer to catch up.
func (m *Monitor) ShouldPauseAggregation() bool {
	return m.CurrentLevel() >= LevelCritical
}

// Stats returns current statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MonitorStats{
		CurrentLevel:  m.CurrentLevel(),
		LastDepth:     m.lastDepth,
		Checks:        m.stats.Checks,
		LevelChanges:  m.stats.LevelChanges,
		WarningCount:  m.stats.WarningCount,
		CriticalCount: m.stats.CriticalCount,
		MaxDepth:      m.stats.MaxDepth,
	}
}

// MonitorStats holds monitor statistics.
type MonitorStats struct {
	CurrentLevel  Level
	LastDepth     int
	Checks        int64
	LevelChanges  int64
	WarningCount  int64
	CriticalCount int64
	MaxDepth      int
}
