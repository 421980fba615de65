package player

import "errors"

var (
	// ErrSeekOutOfRange is returned when no active representation covers the seek target.
	// Player state is left unchanged.
	ErrSeekOutOfRange = errors.New("seek target out of range")
	// ErrSeekSuperseded is returned to a seek that was overtaken by a newer one.
	ErrSeekSuperseded = errors.New("seek superseded")
	// ErrStalled is the fatal error raised when a segment keeps failing to download.
	ErrStalled = errors.New("playback stalled")
	// ErrStale is reported for queued sink operations dropped because their
	// session was superseded.
	ErrStale = errors.New("session superseded")
	// ErrClosed is returned for operations on a player that has stopped.
	ErrClosed = errors.New("player closed")
	// ErrNotRunning is returned by Seek before Run has started.
	ErrNotRunning = errors.New("player not running")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("player already running")
	// ErrUnknownTrack is returned for a track the manifest does not contain.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrUnknownRepresentation is returned for a representation id not in the catalog.
	ErrUnknownRepresentation = errors.New("unknown representation")
)
