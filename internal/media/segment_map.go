package media

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ContiguityTolerance is the largest gap or overlap allowed between
// consecutive segments. Manifests expressed in fractional seconds or
// arbitrary timescales do not round-trip exactly to nanoseconds.
const ContiguityTolerance = time.Millisecond

// ErrSegmentNotFound is returned when no segment covers a requested time.
var ErrSegmentNotFound = errors.New("no segment covers time")

// SegmentDescriptor locates one segment on the presentation timeline.
type SegmentDescriptor struct {
	Position int // 1-based
	Start    time.Duration
	Duration time.Duration
	URL      string
}

// End returns the exclusive end time of the segment.
func (d SegmentDescriptor) End() time.Duration {
	return d.Start + d.Duration
}

// SegmentMap is an immutable ordered list of contiguous segments covering
// [0, Duration()]. The final segment is closed at its upper bound.
type SegmentMap struct {
	segments []SegmentDescriptor
}

// NewSegmentMap validates segs and assigns positions 1..n in order.
// Segments must be sorted, non-empty, contiguous, and start at zero.
func NewSegmentMap(segs []SegmentDescriptor) (*SegmentMap, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty segment list", ErrInvalidManifest)
	}

	out := make([]SegmentDescriptor, len(segs))
	for i, s := range segs {
		if s.Duration <= 0 {
			return nil, fmt.Errorf("%w: segment %d has non-positive duration %s", ErrInvalidManifest, i+1, s.Duration)
		}
		if i == 0 {
			if absDuration(s.Start) > ContiguityTolerance {
				return nil, fmt.Errorf("%w: first segment starts at %s", ErrInvalidManifest, s.Start)
			}
			s.Start = 0
		} else {
			prevEnd := out[i-1].End()
			if absDuration(s.Start-prevEnd) > ContiguityTolerance {
				return nil, fmt.Errorf("%w: segment %d starts at %s, previous ends at %s",
					ErrInvalidManifest, i+1, s.Start, prevEnd)
			}
		}
		s.Position = i + 1
		out[i] = s
	}

	return &SegmentMap{segments: out}, nil
}

// Len returns the number of segments.
func (m *SegmentMap) Len() int {
	return len(m.segments)
}

// Duration returns the end time of the last segment.
func (m *SegmentMap) Duration() time.Duration {
	return m.segments[len(m.segments)-1].End()
}

// First returns the first segment.
func (m *SegmentMap) First() SegmentDescriptor {
	return m.segments[0]
}

// Last returns the last segment.
func (m *SegmentMap) Last() SegmentDescriptor {
	return m.segments[len(m.segments)-1]
}

// At returns the segment at a 1-based position.
func (m *SegmentMap) At(position int) (SegmentDescriptor, bool) {
	if position < 1 || position > len(m.segments) {
		return SegmentDescriptor{}, false
	}
	return m.segments[position-1], true
}

// Find returns the segment with Start <= t < End. The last segment also
// covers t == Duration(). Times outside the map return ErrSegmentNotFound.
func (m *SegmentMap) Find(t time.Duration) (SegmentDescriptor, error) {
	if t < 0 || t > m.Duration() {
		return SegmentDescriptor{}, fmt.Errorf("%w: %s outside [0, %s]", ErrSegmentNotFound, t, m.Duration())
	}
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].End() > t
	})
	if i == len(m.segments) {
		i = len(m.segments) - 1
	}
	return m.segments[i], nil
}

// Clamp is like Find but maps times before the start to the first segment
// and times past the end to the last.
func (m *SegmentMap) Clamp(t time.Duration) SegmentDescriptor {
	switch {
	case t < 0:
		return m.First()
	case t > m.Duration():
		return m.Last()
	}
	d, _ := m.Find(t)
	return d
}

// Descriptors returns a copy of all segments.
func (m *SegmentMap) Descriptors() []SegmentDescriptor {
	out := make([]SegmentDescriptor, len(m.segments))
	copy(out, m.segments)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
