package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAggregator_OverallFraction(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	a := NewAggregatorWithClock(4, clock.Now)

	s := a.Update(50, 100)
	assert.InDelta(t, 0.125, s.Fraction, 1e-9)
	assert.InDelta(t, 50.0, s.Percent, 1e-9)

	s = a.FileCompleted()
	assert.InDelta(t, 0.25, s.Fraction, 1e-9)

	s = a.Update(100, 100)
	assert.InDelta(t, 0.5, s.Fraction, 1e-9)

	a.FileCompleted()
	a.FileCompleted()
	s = a.FileCompleted()
	assert.InDelta(t, 1.0, s.Fraction, 1e-9, "clamped to 1")
}

func TestAggregator_Monotonic(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	a := NewAggregatorWithClock(2, clock.Now)

	a.Update(90, 100)
	s := a.FileFailed()
	assert.InDelta(t, 0.45, s.Fraction, 1e-9, "a failed file does not move progress backwards")

	s = a.Update(10, 100)
	assert.InDelta(t, 0.45, s.Fraction, 1e-9)

	assert.Zero(t, NewAggregator(2).Snapshot().Fraction, "a new run starts without a floor")
}

func TestAggregator_UnknownSizes(t *testing.T) {
	a := NewAggregator(0)
	s := a.Update(1000, -1)
	assert.Zero(t, s.Fraction)
	assert.Zero(t, s.Percent)

	a = NewAggregator(1)
	s = a.Update(200, 100)
	assert.InDelta(t, 1.0, s.Fraction, 1e-9)
}

func TestAggregator_Speed(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	a := NewAggregatorWithClock(1, clock.Now)

	clock.Advance(200 * time.Millisecond)
	s := a.Update(100_000, 10_000_000)
	assert.Zero(t, s.BytesPerSecond, "no recalculation inside the window")
	assert.Equal(t, "0B/s", s.Speed)

	clock.Advance(800 * time.Millisecond)
	s = a.Update(2*mib, 10_000_000)
	assert.InDelta(t, float64(2*mib), s.BytesPerSecond, 1e-6)
	assert.Equal(t, "2.00MB/s", s.Speed)
	assert.Contains(t, s.Label, "| 2.00MB/s")

	// A regressing counter (new file) contributes no negative delta.
	clock.Advance(time.Second)
	s = a.Update(1024, 10_000_000)
	assert.InDelta(t, 0, s.BytesPerSecond, 1e-6)
}

func TestAggregator_SpeedAcrossFiles(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	a := NewAggregatorWithClock(2, clock.Now)

	a.Update(3000, 3000)
	a.FileCompleted()
	a.Update(1000, 3000)

	clock.Advance(time.Second)
	s := a.Update(2000, 3000)
	assert.InDelta(t, 5000, s.BytesPerSecond, 1e-6)
	assert.Equal(t, "4.9KB/s", s.Speed)
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0B/s"},
		{-5, "0B/s"},
		{512, "512B/s"},
		{1023.9, "1023B/s"},
		{1024, "1.0KB/s"},
		{1536, "1.5KB/s"},
		{mib, "1.00MB/s"},
		{2.5 * mib, "2.50MB/s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSpeed(tt.in))
		})
	}
}

func TestSnapshotLabel(t *testing.T) {
	a := NewAggregator(1)
	s := a.Update(125, 1000)

	assert.Equal(t, "12.5% | 0B/s", s.Label)
}
