package player

import (
	"fmt"
	"time"

	"github.com/jmylchreest/abrplay/internal/abr"
	"github.com/jmylchreest/abrplay/internal/media"
)

// SwitchFlush controls whether a representation switch discards media
// already buffered ahead of the playback position.
type SwitchFlush string

const (
	// FlushNone keeps buffered media; the new representation takes over once it runs out.
	FlushNone SwitchFlush = "none"
	// FlushBeforeInit discards before the new init segment is fetched.
	FlushBeforeInit SwitchFlush = "before_init"
	// FlushAfterInit discards once the new init segment has arrived.
	FlushAfterInit SwitchFlush = "after_init"
)

// Default player settings.
const (
	DefaultTargetBuffer       = 10 * time.Second
	DefaultPollInterval       = 250 * time.Millisecond
	DefaultFetchRetryDelay    = 500 * time.Millisecond
	DefaultFetchRetryMaxDelay = 8 * time.Second
	DefaultMaxFetchAttempts   = 5
	DefaultAppendRetryDelay   = 500 * time.Millisecond
	DefaultMaxAppendRetries   = 5
	DefaultStatsInterval      = time.Second
)

// Config holds the scheduling parameters of a Player.
type Config struct {
	// TargetBuffer is the buffered-ahead watermark each track tries to hold.
	TargetBuffer time.Duration
	// PollInterval is how long a track waits before re-checking a full buffer.
	PollInterval time.Duration

	SafetyFactor    float64
	EstimatorWindow int

	FetchRetryDelay    time.Duration
	FetchRetryMaxDelay time.Duration
	// MaxFetchAttempts is the number of consecutive failures of one segment
	// after which playback is declared stalled.
	MaxFetchAttempts int

	AppendRetryDelay time.Duration
	MaxAppendRetries int

	// Tolerance is the edge slack used when matching times against buffered ranges.
	Tolerance time.Duration

	SwitchFlush SwitchFlush

	StatsInterval time.Duration

	// Tracks restricts playback to the listed tracks. Empty means every
	// track present in the manifest.
	Tracks []media.TrackType
}

// DefaultConfig returns a Config with the default settings.
func DefaultConfig() Config {
	return Config{
		TargetBuffer:       DefaultTargetBuffer,
		PollInterval:       DefaultPollInterval,
		SafetyFactor:       abr.DefaultSafetyFactor,
		EstimatorWindow:    abr.DefaultWindowSize,
		FetchRetryDelay:    DefaultFetchRetryDelay,
		FetchRetryMaxDelay: DefaultFetchRetryMaxDelay,
		MaxFetchAttempts:   DefaultMaxFetchAttempts,
		AppendRetryDelay:   DefaultAppendRetryDelay,
		MaxAppendRetries:   DefaultMaxAppendRetries,
		Tolerance:          media.DefaultTolerance,
		SwitchFlush:        FlushNone,
		StatsInterval:      DefaultStatsInterval,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.TargetBuffer <= 0 {
		return fmt.Errorf("target buffer must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("safety factor must be in (0, 1], got %v", c.SafetyFactor)
	}
	if c.MaxFetchAttempts < 1 {
		return fmt.Errorf("max fetch attempts must be at least 1")
	}
	if c.MaxAppendRetries < 0 {
		return fmt.Errorf("max append retries must not be negative")
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative")
	}
	switch c.SwitchFlush {
	case FlushNone, FlushBeforeInit, FlushAfterInit:
	default:
		return fmt.Errorf("switch flush must be one of: none, before_init, after_init")
	}
	for _, t := range c.Tracks {
		if !t.Valid() {
			return fmt.Errorf("unknown track %q", t)
		}
	}
	return nil
}

// fetchBackoff returns the delay before retry number attempt (1-based).
func (c Config) fetchBackoff(attempt int) time.Duration {
	delay := c.FetchRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.FetchRetryMaxDelay > 0 && delay >= c.FetchRetryMaxDelay {
			return c.FetchRetryMaxDelay
		}
	}
	return delay
}
