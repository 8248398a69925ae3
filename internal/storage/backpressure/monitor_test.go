package backpressure

import (
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{Level(9), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func newTestMonitor() *Monitor {
	return New(Thresholds{Warning: 100, Critical: 1000, Hysteresis: 0.2})
}

func TestMonitor_Check(t *testing.T) {
	m := newTestMonitor()

	steps := []struct {
		depth int
		want  Level
	}{
		{0, LevelNormal},
		{99, LevelNormal},
		{100, LevelWarning},
		{1000, LevelCritical},
		{900, LevelCritical}, // within hysteresis of critical
		{799, LevelWarning},
		{500, LevelWarning},
		{80, LevelWarning}, // within hysteresis of warning
		{79, LevelNormal},
		{5000, LevelCritical},
		{0, LevelNormal},
	}

	for i, s := range steps {
		if got := m.Check(s.depth); got != s.want {
			t.Fatalf("step %d: Check(%d) = %s, want %s", i, s.depth, got, s.want)
		}
	}

	st := m.Stats()
	if st.Checks != int64(len(steps)) {
		t.Errorf("checks = %d", st.Checks)
	}
	if st.MaxDepth != 5000 {
		t.Errorf("max depth = %d", st.MaxDepth)
	}
	if st.CriticalCount != 2 || st.WarningCount != 2 {
		t.Errorf("critical %d, warning %d", st.CriticalCount, st.WarningCount)
	}
}

func TestMonitor_Callback(t *testing.T) {
	m := newTestMonitor()

	type change struct {
		old, new Level
		depth    int
	}
	var changes []change
	m.SetOnLevelChange(func(old, new Level, depth int) {
		changes = append(changes, change{old, new, depth})
		// The callback may read the monitor.
		if m.CurrentLevel() != new {
			t.Errorf("CurrentLevel inside callback = %s, want %s", m.CurrentLevel(), new)
		}
	})

	m.Check(10)
	m.Check(2000)
	m.Check(2000)
	m.Check(0)

	want := []change{
		{LevelNormal, LevelCritical, 2000},
		{LevelCritical, LevelNormal, 0},
	}
	if len(changes) != len(want) {
		t.Fatalf("changes = %+v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestMonitor_Cooldown(t *testing.T) {
	m := New(Thresholds{Warning: 10, Critical: 20, Cooldown: time.Minute})
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if got := m.Check(50); got != LevelCritical {
		t.Fatalf("first check = %s", got)
	}

	now = now.Add(time.Second)
	if got := m.Check(0); got != LevelCritical {
		t.Errorf("check within cooldown = %s, want critical", got)
	}
	if !m.ShouldPauseAggregation() {
		t.Error("aggregation should pause at critical")
	}

	now = now.Add(time.Minute)
	if got := m.Check(0); got != LevelNormal {
		t.Errorf("check after cooldown = %s, want normal", got)
	}
	if m.ShouldPauseAggregation() {
		t.Error("aggregation should resume at normal")
	}
}

func TestMonitor_DisabledThresholds(t *testing.T) {
	m := New(Thresholds{})
	if got := m.Check(1 << 30); got != LevelNormal {
		t.Errorf("zero thresholds should stay normal, got %s", got)
	}
}
