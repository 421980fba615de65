// Package clock provides the playback position the player schedules against.
package clock

import (
	"sync"
	"time"
)

// Playhead is a wall-clock driven playback position. It advances at Rate
// while playing and never moves past the asset duration.
type Playhead struct {
	mu       sync.Mutex
	duration time.Duration
	rate     float64
	base     time.Duration
	since    time.Time
	playing  bool
	now      func() time.Time
}

// NewPlayhead creates a paused playhead at zero. A rate <= 0 means 1.
func NewPlayhead(duration time.Duration, rate float64) *Playhead {
	if rate <= 0 {
		rate = 1
	}
	return &Playhead{duration: duration, rate: rate, now: time.Now}
}

func (p *Playhead) positionLocked() time.Duration {
	pos := p.base
	if p.playing {
		pos += time.Duration(float64(p.now().Sub(p.since)) * p.rate)
	}
	return min(max(pos, 0), p.duration)
}

// Position returns the current playback position.
func (p *Playhead) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

// Play starts advancing the position.
func (p *Playhead) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.since = p.now()
	p.playing = true
}

// Pause freezes the position.
func (p *Playhead) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.base = p.positionLocked()
	p.playing = false
}

// Playing reports whether the playhead is advancing.
func (p *Playhead) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Seek moves the position to t, clamped to [0, duration].
func (p *Playhead) Seek(t time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = min(max(t, 0), p.duration)
	p.since = p.now()
}

// Ended reports whether the position has reached the duration.
func (p *Playhead) Ended() bool {
	return p.Position() >= p.duration
}

// Duration returns the asset duration.
func (p *Playhead) Duration() time.Duration {
	return p.duration
}

// Manual is a clock whose position only changes when set. Tests and the
// probe command use it to hold playback still.
type Manual struct {
	mu  sync.Mutex
	pos time.Duration
}

// Position returns the current position.
func (m *Manual) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Seek sets the position.
func (m *Manual) Seek(t time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = t
}

// Advance moves the position forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos += d
}
