// Package abr implements adaptive bitrate decisions: a rolling throughput
// estimator fed by completed segment downloads and a pure representation
// selector.
package abr

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindowSize is the default number of samples kept for the rolling mean.
const DefaultWindowSize = 5

// Estimate is a throughput estimate in bits per second. The zero value means
// no samples have been recorded.
type Estimate struct {
	BitsPerSecond float64
	Valid         bool
}

// Sample records one completed transfer.
type Sample struct {
	Bytes     int64
	Elapsed   time.Duration
	Timestamp time.Time
}

// BitsPerSecond returns the transfer rate of the sample.
func (s Sample) BitsPerSecond() float64 {
	return float64(s.Bytes) * 8 / s.Elapsed.Seconds()
}

// Estimator keeps a bounded FIFO of transfer samples and reports their mean rate.
// It is safe for concurrent use; all tracks of a player share one estimator.
type Estimator struct {
	totalBytes atomic.Int64

	mu         sync.RWMutex
	samples    []Sample
	windowSize int
}

// NewEstimator creates an estimator averaging over the last windowSize samples.
func NewEstimator(windowSize int) *Estimator {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Estimator{
		samples:    make([]Sample, 0, windowSize),
		windowSize: windowSize,
	}
}

// AddSample records bytes transferred over elapsed. Samples with a
// non-positive elapsed time or negative size are discarded and false is returned.
func (e *Estimator) AddSample(bytes int64, elapsed time.Duration) bool {
	if elapsed <= 0 || bytes < 0 {
		return false
	}
	e.totalBytes.Add(bytes)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = append(e.samples, Sample{Bytes: bytes, Elapsed: elapsed, Timestamp: time.Now()})
	if len(e.samples) > e.windowSize {
		e.samples = e.samples[len(e.samples)-e.windowSize:]
	}
	return true
}

// Estimate returns the arithmetic mean of the per-sample rates in the window.
func (e *Estimator) Estimate() Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return Estimate{}
	}

	var sum float64
	for _, s := range e.samples {
		sum += s.BitsPerSecond()
	}
	return Estimate{BitsPerSecond: sum / float64(len(e.samples)), Valid: true}
}

// History returns the per-sample rates in the window, oldest first.
func (e *Estimator) History() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.samples) == 0 {
		return nil
	}
	history := make([]float64, len(e.samples))
	for i, s := range e.samples {
		history[i] = s.BitsPerSecond()
	}
	return history
}

// TotalBytes returns the cumulative bytes of all accepted samples.
func (e *Estimator) TotalBytes() int64 {
	return e.totalBytes.Load()
}

// Reset clears the window and the byte counter.
func (e *Estimator) Reset() {
	e.totalBytes.Store(0)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
}

// WindowSize returns the configured window size.
func (e *Estimator) WindowSize() int {
	return e.windowSize
}

// SampleCount returns the current number of samples in the window.
func (e *Estimator) SampleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples)
}
