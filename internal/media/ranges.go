package media

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// DefaultTolerance is the edge tolerance used when matching times against
// buffered ranges.
const DefaultTolerance = 100 * time.Millisecond

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Everything covers the whole timeline and is used to flush a sink.
var Everything = TimeRange{Start: 0, End: time.Duration(1<<63 - 1)}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End)
}

// Length returns End - Start.
func (r TimeRange) Length() time.Duration {
	return r.End - r.Start
}

// Contains reports whether t falls within the range widened by tol on both edges.
func (r TimeRange) Contains(t, tol time.Duration) bool {
	return t >= r.Start-tol && t <= r.End+tol
}

// TimeRanges is an ordered set of disjoint ranges.
type TimeRanges []TimeRange

// Find returns the range containing t within tolerance.
func (rs TimeRanges) Find(t, tol time.Duration) (TimeRange, bool) {
	for _, r := range rs {
		if r.Contains(t, tol) {
			return r, true
		}
	}
	return TimeRange{}, false
}

// Contains reports whether any range contains t within tolerance.
func (rs TimeRanges) Contains(t, tol time.Duration) bool {
	_, ok := rs.Find(t, tol)
	return ok
}

// Covers reports whether a single range spans [start, end] within tolerance.
func (rs TimeRanges) Covers(start, end, tol time.Duration) bool {
	for _, r := range rs {
		if r.Start <= start+tol && r.End >= end-tol {
			return true
		}
	}
	return false
}

// Ahead returns how much buffered time lies ahead of t in the range that
// contains it, or zero when t is not buffered.
func (rs TimeRanges) Ahead(t, tol time.Duration) time.Duration {
	r, ok := rs.Find(t, tol)
	if !ok || r.End <= t {
		return 0
	}
	return r.End - t
}

// Add returns the union of rs and r, merging ranges that touch within tol.
func (rs TimeRanges) Add(r TimeRange, tol time.Duration) TimeRanges {
	if r.End <= r.Start {
		return rs
	}
	out := append(slices.Clone(rs), r)
	slices.SortFunc(out, func(a, b TimeRange) int {
		return cmp.Compare(a.Start, b.Start)
	})
	return out.merge(tol)
}

// Remove returns rs with the interval r cut out.
func (rs TimeRanges) Remove(r TimeRange) TimeRanges {
	var out TimeRanges
	for _, cur := range rs {
		if cur.End <= r.Start || cur.Start >= r.End {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, TimeRange{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			out = append(out, TimeRange{Start: r.End, End: cur.End})
		}
	}
	return out
}

// Total returns the summed length of all ranges.
func (rs TimeRanges) Total() time.Duration {
	var total time.Duration
	for _, r := range rs {
		total += r.Length()
	}
	return total
}

func (rs TimeRanges) merge(tol time.Duration) TimeRanges {
	var out TimeRanges
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End+tol {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}
