package abr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_NewWithDefaults(t *testing.T) {
	e := NewEstimator(0)

	assert.Equal(t, DefaultWindowSize, e.WindowSize())
	assert.Equal(t, 0, e.SampleCount())
	assert.False(t, e.Estimate().Valid)
	assert.Nil(t, e.History())
}

func TestEstimator_RejectsNonPositiveElapsed(t *testing.T) {
	e := NewEstimator(5)

	assert.False(t, e.AddSample(1000, 0))
	assert.False(t, e.AddSample(1000, -time.Second))
	assert.False(t, e.AddSample(-1, time.Second))
	assert.Equal(t, 0, e.SampleCount())
	assert.Zero(t, e.TotalBytes())
}

func TestEstimator_MeanOfRates(t *testing.T) {
	e := NewEstimator(5)

	// 1 Mbps and 3 Mbps average to 2 Mbps regardless of sample sizes.
	assert.True(t, e.AddSample(125_000, time.Second))
	assert.True(t, e.AddSample(187_500, 500*time.Millisecond))

	est := e.Estimate()
	assert.True(t, est.Valid)
	assert.InDelta(t, 2_000_000, est.BitsPerSecond, 0.001)
	assert.Equal(t, int64(312_500), e.TotalBytes())
}

func TestEstimator_EvictsOldest(t *testing.T) {
	e := NewEstimator(3)

	e.AddSample(1_000_000, time.Second) // 8 Mbps, evicted below
	for range 3 {
		e.AddSample(125_000, time.Second)
	}

	assert.Equal(t, 3, e.SampleCount())
	assert.InDelta(t, 1_000_000, e.Estimate().BitsPerSecond, 0.001)
	assert.Len(t, e.History(), 3)
}

func TestEstimator_Reset(t *testing.T) {
	e := NewEstimator(3)
	e.AddSample(1000, time.Second)

	e.Reset()

	assert.Equal(t, 0, e.SampleCount())
	assert.Zero(t, e.TotalBytes())
	assert.False(t, e.Estimate().Valid)
}

func TestEstimator_ConcurrentUse(t *testing.T) {
	e := NewEstimator(5)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				e.AddSample(1000, time.Millisecond)
				_ = e.Estimate()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, e.SampleCount())
	assert.Equal(t, int64(1_000_000), e.TotalBytes())
}
