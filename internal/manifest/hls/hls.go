// Package hls builds a playable manifest from a VOD HLS playlist.
package hls

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/media"
)

// ErrNotVOD is returned for media playlists without EXT-X-ENDLIST.
var ErrNotVOD = errors.New("playlist has no EXT-X-ENDLIST")

// maxConcurrentFetches bounds parallel media playlist downloads.
const maxConcurrentFetches = 4

// Getter downloads playlists.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Parse builds a manifest from playlist data fetched from manifestURL. A
// multivariant playlist yields one representation per variant, with the
// media playlists fetched through g. A media playlist yields a single
// representation.
func Parse(ctx context.Context, g Getter, manifestURL string, data []byte) (*media.Manifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest url: %v", media.ErrInvalidManifest, err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding playlist: %v", media.ErrInvalidManifest, err)
	}

	m := &media.Manifest{
		URL:             manifestURL,
		Representations: make(map[media.TrackType][]*media.Representation),
	}

	switch pl := pl.(type) {
	case *playlist.Media:
		rep, err := fromMedia(base, "0", pl)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrInvalidManifest, err)
		}
		m.Representations[rep.Track] = append(m.Representations[rep.Track], rep)

	case *playlist.Multivariant:
		reps, err := fromMultivariant(ctx, g, base, pl)
		if err != nil {
			return nil, err
		}
		for _, rep := range reps {
			m.Representations[rep.Track] = append(m.Representations[rep.Track], rep)
		}

	default:
		return nil, fmt.Errorf("%w: unsupported playlist type %T", media.ErrInvalidManifest, pl)
	}

	for _, reps := range m.Representations {
		for _, r := range reps {
			m.Duration = max(m.Duration, r.Segments.Duration())
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMultivariant(ctx context.Context, g Getter, base *url.URL, mv *playlist.Multivariant) ([]*media.Representation, error) {
	reps := make([]*media.Representation, len(mv.Variants))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentFetches)
	for i, v := range mv.Variants {
		eg.Go(func() error {
			u, err := base.Parse(v.URI)
			if err != nil {
				return fmt.Errorf("%w: variant %d: %v", media.ErrInvalidManifest, i, err)
			}
			data, err := g.Get(ctx, u.String())
			if err != nil {
				return fmt.Errorf("fetching variant %d playlist: %w", i, err)
			}
			pl, err := playlist.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("%w: variant %d: %v", media.ErrInvalidManifest, i, err)
			}
			mp, ok := pl.(*playlist.Media)
			if !ok {
				return fmt.Errorf("%w: variant %d is not a media playlist", media.ErrInvalidManifest, i)
			}

			rep, err := fromMedia(u, strconv.Itoa(i), mp)
			if err != nil {
				return fmt.Errorf("%w: variant %d: %v", media.ErrInvalidManifest, i, err)
			}
			rep.Bandwidth = int64(v.Bandwidth)
			rep.Codec = strings.Join(v.Codecs, ",")
			rep.Width, rep.Height = parseResolution(v.Resolution)
			if isAudioOnly(v.Codecs) {
				rep.Track = media.TrackAudio
				rep.MimeType = strings.Replace(rep.MimeType, "video/", "audio/", 1)
			}
			reps[i] = rep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reps, nil
}

func fromMedia(base *url.URL, id string, pl *playlist.Media) (*media.Representation, error) {
	if !pl.Endlist {
		return nil, ErrNotVOD
	}

	descs := make([]media.SegmentDescriptor, 0, len(pl.Segments))
	var start time.Duration
	for _, seg := range pl.Segments {
		u, err := base.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", seg.URI, err)
		}
		descs = append(descs, media.SegmentDescriptor{
			Start:    start,
			Duration: seg.Duration,
			URL:      u.String(),
		})
		start += seg.Duration
	}
	segments, err := media.NewSegmentMap(descs)
	if err != nil {
		return nil, err
	}

	rep := &media.Representation{
		ID:       id,
		Track:    media.TrackVideo,
		Segments: segments,
	}
	if pl.Map != nil && pl.Map.URI != "" {
		u, err := base.Parse(pl.Map.URI)
		if err != nil {
			return nil, fmt.Errorf("init segment %q: %w", pl.Map.URI, err)
		}
		rep.InitURL = u.String()
		rep.MimeType = "video/mp4"
	} else {
		rep.MimeType = "video/mp2t"
	}
	return rep, nil
}

func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

var audioCodecPrefixes = []string{"mp4a", "opus", "ac-3", "ec-3", "flac", "mp3"}

// isAudioOnly reports whether every codec in the list is an audio codec.
func isAudioOnly(codecs []string) bool {
	if len(codecs) == 0 {
		return false
	}
	for _, c := range codecs {
		audio := false
		for _, p := range audioCodecPrefixes {
			if strings.HasPrefix(strings.ToLower(c), p) {
				audio = true
				break
			}
		}
		if !audio {
			return false
		}
	}
	return true
}
