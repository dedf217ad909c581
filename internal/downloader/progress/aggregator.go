package progress

import (
	"fmt"
	"sync"
	"time"
)

// speedWindow is the minimum time between two speed recalculations.
const speedWindow = 500 * time.Millisecond

const (
	kib = 1024
	mib = 1024 * 1024
)

// Snapshot is the progress of a task as shown to observers.
type Snapshot struct {
	// Fraction is the overall task progress in [0,1]. It never decreases between resets.
	Fraction float64
	// Percent is the progress of the file in flight, 0-100.
	Percent        float64
	BytesPerSecond float64
	Speed          string
	Label          string
}

// Aggregator folds per-file byte callbacks into task-level progress and transfer speed.
// It is safe for concurrent use.
type Aggregator struct {
	mu  sync.Mutex
	now func() time.Time

	totalFiles     int
	completedFiles int
	fileFraction   float64
	last           float64

	lastDownloaded int64
	transferred    int64
	speedBytes     int64
	speedAt        time.Time
	bytesPerSecond float64
}

// NewAggregator returns an aggregator for a task of totalFiles files.
func NewAggregator(totalFiles int) *Aggregator {
	return NewAggregatorWithClock(totalFiles, time.Now)
}

// NewAggregatorWithClock is NewAggregator with an injectable clock.
func NewAggregatorWithClock(totalFiles int, now func() time.Time) *Aggregator {
	a := &Aggregator{now: now}
	a.reset(totalFiles)

	return a
}

// reset starts over for a new run, including the monotonic floor.
func (a *Aggregator) reset(totalFiles int) {
	a.totalFiles = max(totalFiles, 0)
	a.completedFiles = 0
	a.fileFraction = 0
	a.last = 0
	a.lastDownloaded = 0
	a.transferred = 0
	a.speedBytes = 0
	a.speedAt = a.now()
	a.bytesPerSecond = 0
}

// Update records a byte callback of the file in flight.
func (a *Aggregator) Update(downloaded, total int64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.transferred += max(0, downloaded-a.lastDownloaded)
	a.lastDownloaded = downloaded

	switch {
	case total > 0 && downloaded >= total:
		a.fileFraction = 1
	case total > 0:
		a.fileFraction = float64(downloaded) / float64(total)
	default:
		a.fileFraction = 0
	}

	if now := a.now(); now.Sub(a.speedAt) > speedWindow {
		a.bytesPerSecond = float64(a.transferred-a.speedBytes) / now.Sub(a.speedAt).Seconds()
		a.speedBytes = a.transferred
		a.speedAt = now
	}

	return a.snapshotLocked()
}

// FileCompleted counts a finished file and clears the in-flight fraction.
func (a *Aggregator) FileCompleted() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completedFiles++
	a.nextFileLocked()

	return a.snapshotLocked()
}

// FileFailed clears the in-flight fraction without counting the file as done.
func (a *Aggregator) FileFailed() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextFileLocked()

	return a.snapshotLocked()
}

// Snapshot returns the current progress.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.snapshotLocked()
}

func (a *Aggregator) nextFileLocked() {
	a.fileFraction = 0
	a.lastDownloaded = 0
}

func (a *Aggregator) snapshotLocked() Snapshot {
	fraction := 0.0
	if a.totalFiles > 0 {
		fraction = (float64(a.completedFiles) + a.fileFraction) / float64(a.totalFiles)
	}

	fraction = min(max(fraction, a.last, 0), 1)
	a.last = fraction

	percent := a.fileFraction * 100
	speed := FormatSpeed(a.bytesPerSecond)

	return Snapshot{
		Fraction:       fraction,
		Percent:        percent,
		BytesPerSecond: a.bytesPerSecond,
		Speed:          speed,
		Label:          fmt.Sprintf("%.1f%% | %s", percent, speed),
	}
}

// FormatSpeed renders bytes per second as B/s, KB/s or MB/s.
func FormatSpeed(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond >= mib:
		return fmt.Sprintf("%.2fMB/s", bytesPerSecond/mib)
	case bytesPerSecond >= kib:
		return fmt.Sprintf("%.1fKB/s", bytesPerSecond/kib)
	default:
		return fmt.Sprintf("%dB/s", int64(max(bytesPerSecond, 0)))
	}
}
