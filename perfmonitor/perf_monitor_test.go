package perfmonitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerformanceMonitor(t *testing.T) {
	t.Run("creates new instance with zero times", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
		assert.Zero(t, pm.Elapsed())
	})

	t.Run("stop without start is ignored", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Stop()

		assert.True(t, pm.endTime.IsZero())
		assert.Equal(t, 0.0, pm.ElapsedMilliseconds())
	})

	t.Run("zero while running", func(t *testing.T) {
		pm := NewPerformanceMonitor()
		pm.Start()

		assert.Zero(t, pm.Elapsed())
	})

	t.Run("measures a frame", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		pm.Start()
		time.Sleep(20 * time.Millisecond)
		pm.Stop()

		assert.GreaterOrEqual(t, pm.Elapsed(), 20*time.Millisecond)
		assert.Greater(t, pm.ElapsedMilliseconds(), 15.0)
	})

	t.Run("start clears the previous end time", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		pm.Start()
		pm.Stop()
		pm.Start()

		assert.True(t, pm.endTime.IsZero())
		assert.Zero(t, pm.Elapsed())
	})

	t.Run("reset clears both times", func(t *testing.T) {
		pm := NewPerformanceMonitor()

		pm.Start()
		pm.Stop()
		pm.Reset()
		pm.Reset()
		pm.Stop()

		assert.True(t, pm.startTime.IsZero())
		assert.True(t, pm.endTime.IsZero())
	})
}

func TestFrameStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var s FrameStats
		assert.Equal(t, Snapshot{}, s.Snapshot())
	})

	t.Run("aggregates", func(t *testing.T) {
		var s FrameStats
		s.Record(10 * time.Millisecond)
		s.Record(30 * time.Millisecond)
		s.Record(20 * time.Millisecond)

		assert.Equal(t, Snapshot{
			Frames:  3,
			Last:    20 * time.Millisecond,
			Max:     30 * time.Millisecond,
			Average: 20 * time.Millisecond,
		}, s.Snapshot())
	})

	t.Run("concurrent readers", func(t *testing.T) {
		var s FrameStats
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for k := 0; k < 100; k++ {
					s.Record(time.Millisecond)
				}
			}()
			go func() {
				defer wg.Done()
				for k := 0; k < 100; k++ {
					_ = s.Snapshot()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, uint64(400), s.Snapshot().Frames)
	})
}
