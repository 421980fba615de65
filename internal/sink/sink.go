// Package sink defines the media sink contract the player writes into and
// provides two implementations: Memory, a simulated decoder buffer with
// buffered-range bookkeeping, and File, which captures each track's byte
// stream to disk.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/abrplay/internal/media"
)

var (
	// ErrTransient marks a failure the caller may retry, such as a busy or full buffer.
	ErrTransient = errors.New("sink temporarily unavailable")
	// ErrTerminal marks a failure that makes the sink permanently unusable.
	ErrTerminal = errors.New("sink unusable")

	// ErrBusy is returned when an operation is already running on the track.
	ErrBusy = fmt.Errorf("%w: operation in progress", ErrTransient)
	// ErrQuotaExceeded is returned when the buffer cannot hold more data.
	ErrQuotaExceeded = fmt.Errorf("%w: quota exceeded", ErrTransient)
	// ErrClosed is returned after Close.
	ErrClosed = fmt.Errorf("%w: closed", ErrTerminal)
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Chunk is one unit of input for a track: an init segment or a media segment.
type Chunk struct {
	Data           []byte
	Init           bool
	Representation string
	Position       int             // segment position, zero for init segments
	Range          media.TimeRange // presentation interval, zero for init segments
}

// Sink is the decoder-side buffer fed by the player.
//
// Append and Discard block until the operation has completed. Callers must
// not issue a second operation for a track while one is outstanding; Ready
// reports whether the track can accept one now.
type Sink interface {
	Append(ctx context.Context, track media.TrackType, chunk Chunk) error
	Discard(ctx context.Context, track media.TrackType, r media.TimeRange) error
	Buffered(track media.TrackType) media.TimeRanges
	Ready(track media.TrackType) bool
	EndOfStream() error
}
