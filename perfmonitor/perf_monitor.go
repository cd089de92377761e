// Package perfmonitor measures render frame times.
package perfmonitor

import (
	"sync"
	"time"
)

// PerformanceMonitor is a stopwatch for a single frame. It is not safe for
// concurrent use; each session owns one.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a stopped monitor.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start begins a measurement, discarding any previous end time.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
	pm.endTime = time.Time{}
}

// Stop ends the measurement. It does nothing if Start was not called.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears both timestamps.
func (pm *PerformanceMonitor) Reset() {
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// Elapsed returns the measured duration, or zero while the measurement is
// incomplete.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed in fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}

// FrameStats accumulates frame durations. It is safe for concurrent use so
// the admin surface can read it while the session renders.
type FrameStats struct {
	mu     sync.Mutex
	frames uint64
	total  time.Duration
	last   time.Duration
	max    time.Duration
}

// Snapshot is a copy of FrameStats at one instant.
type Snapshot struct {
	Frames  uint64        `json:"frames"`
	Last    time.Duration `json:"last_ns"`
	Max     time.Duration `json:"max_ns"`
	Average time.Duration `json:"average_ns"`
}

// Record adds one frame.
func (s *FrameStats) Record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.total += d
	s.last = d
	s.max = max(s.max, d)
}

// Snapshot returns the current totals.
func (s *FrameStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Frames: s.frames, Last: s.last, Max: s.max}
	if s.frames > 0 {
		snap.Average = s.total / time.Duration(s.frames)
	}

	return snap
}
