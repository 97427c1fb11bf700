package cursor

import (
	"time"
)

// rangeRecord holds timing data for an advanced range.
type rangeRecord struct {
	ToBlock     int64
	Blocks      int64
	ProcessedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	BlocksPerSecond float64
	LastAdvanceAt   *time.Time
	LastBackoffAt   *time.Time
	StateHistory    []Transition
}

// MetricsCollector tracks cursor performance over time.
type MetricsCollector struct {
	windowSize    int           // number of advances to track
	ranges        []rangeRecord // ring buffer of advances
	transitions   []Transition  // recent state changes
	lastBackoffAt *time.Time
}

// RecordRange records an advance over blocks [to-blocks+1, to].
func (mc *MetricsCollector) RecordRange(to, blocks int64, processedAt time.Time) {
	record := rangeRecord{ToBlock: to, Blocks: blocks, ProcessedAt: processedAt}

	if len(mc.ranges) >= mc.windowSize {
		copy(mc.ranges, mc.ranges[1:])
		mc.ranges[len(mc.ranges)-1] = record
	} else {
		mc.ranges = append(mc.ranges, record)
	}
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}

	if t.To == StateErrorBackoff {
		at := t.Timestamp
		mc.lastBackoffAt = &at
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		LastBackoffAt: mc.lastBackoffAt,
		StateHistory:  make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if n := len(mc.ranges); n > 0 {
		last := mc.ranges[n-1].ProcessedAt
		m.LastAdvanceAt = &last
	}
	// The first record only marks the start of the window.
	if len(mc.ranges) >= 2 {
		first := mc.ranges[0]
		last := mc.ranges[len(mc.ranges)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			var blocks int64
			for _, r := range mc.ranges[1:] {
				blocks += r.Blocks
			}
			m.BlocksPerSecond = float64(blocks) / duration.Seconds()
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.ranges = mc.ranges[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastBackoffAt = nil
}
