package player

import "sync/atomic"

// SessionToken is a generation counter shared by every track of a player.
// It advances once per seek or representation switch; asynchronous work
// captures the value at start and is dropped if the token has moved on by
// the time it completes.
type SessionToken struct {
	v atomic.Uint64
}

// Current returns the current generation.
func (s *SessionToken) Current() uint64 {
	return s.v.Load()
}

// Advance moves to a new generation and returns it.
func (s *SessionToken) Advance() uint64 {
	return s.v.Add(1)
}

// Stale reports whether work tagged with session has been superseded.
func (s *SessionToken) Stale(session uint64) bool {
	return session != s.v.Load()
}
