// Package media defines the immutable playback catalog shared by the
// manifest sources and the player: representations, their segment maps,
// and buffered time ranges reported by media sinks.
package media

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidManifest is returned when a manifest describes no playable content.
var ErrInvalidManifest = errors.New("invalid manifest")

// TrackType identifies an independently scheduled elementary track.
type TrackType string

const (
	TrackVideo TrackType = "video"
	TrackAudio TrackType = "audio"
)

// AllTracks lists track types in scheduling order.
var AllTracks = []TrackType{TrackVideo, TrackAudio}

// Valid reports whether t is a known track type.
func (t TrackType) Valid() bool {
	return t == TrackVideo || t == TrackAudio
}

func (t TrackType) String() string {
	return string(t)
}

// ParseTrackType parses a track name. Mime types such as "video/mp4" are accepted.
func ParseTrackType(s string) (TrackType, error) {
	for _, t := range AllTracks {
		if s == string(t) || strings.HasPrefix(s, string(t)+"/") {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown track type %q", s)
}

// Representation is one encoded variant of a track.
type Representation struct {
	ID        string
	Track     TrackType
	Bandwidth int64 // bits per second
	Codec     string
	MimeType  string
	Width     int
	Height    int
	InitURL   string
	Segments  *SegmentMap
}

// Label returns a short human readable description of the representation.
func (r *Representation) Label() string {
	if r.Height > 0 {
		return fmt.Sprintf("%s (%dp, %d bps)", r.ID, r.Height, r.Bandwidth)
	}
	return fmt.Sprintf("%s (%d bps)", r.ID, r.Bandwidth)
}

// Manifest is a parsed VOD manifest snapshot.
type Manifest struct {
	URL             string
	Duration        time.Duration
	Representations map[TrackType][]*Representation
}

// Tracks returns the track types that have at least one representation.
func (m *Manifest) Tracks() []TrackType {
	var tracks []TrackType
	for _, t := range AllTracks {
		if len(m.Representations[t]) > 0 {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Catalog returns the representations of a track in manifest order.
func (m *Manifest) Catalog(track TrackType) []*Representation {
	return m.Representations[track]
}

// Representation looks up a representation by id within a track.
func (m *Manifest) Representation(track TrackType, id string) (*Representation, bool) {
	i := slices.IndexFunc(m.Representations[track], func(r *Representation) bool {
		return r.ID == id
	})
	if i < 0 {
		return nil, false
	}
	return m.Representations[track][i], true
}

// Validate checks that the manifest has playable content.
func (m *Manifest) Validate() error {
	if m.Duration <= 0 {
		return fmt.Errorf("%w: non-positive duration %s", ErrInvalidManifest, m.Duration)
	}
	if len(m.Tracks()) == 0 {
		return fmt.Errorf("%w: no representations", ErrInvalidManifest)
	}
	for track, reps := range m.Representations {
		if !track.Valid() {
			return fmt.Errorf("%w: unknown track %q", ErrInvalidManifest, track)
		}
		seen := make(map[string]bool, len(reps))
		for _, r := range reps {
			if r.ID == "" {
				return fmt.Errorf("%w: %s representation without id", ErrInvalidManifest, track)
			}
			if seen[r.ID] {
				return fmt.Errorf("%w: duplicate %s representation %q", ErrInvalidManifest, track, r.ID)
			}
			seen[r.ID] = true
			if r.Track != track {
				return fmt.Errorf("%w: representation %q listed under %s but is %s", ErrInvalidManifest, r.ID, track, r.Track)
			}
			if r.Segments == nil || r.Segments.Len() == 0 {
				return fmt.Errorf("%w: representation %q has no segments", ErrInvalidManifest, r.ID)
			}
		}
	}
	return nil
}
