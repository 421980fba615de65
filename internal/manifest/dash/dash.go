package dash

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/urlutil"
)

// ErrDynamic is returned for live (type="dynamic") presentations.
var ErrDynamic = errors.New("dynamic presentations are not supported")

// Parse builds a manifest from the MPD document data fetched from
// manifestURL. Only the first period is used. Segment times are rebased so
// every representation starts at zero.
func Parse(manifestURL string, data []byte) (*media.Manifest, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("%w: decoding MPD: %v", media.ErrInvalidManifest, err)
	}
	if mpd.Type == "dynamic" {
		return nil, fmt.Errorf("%w: %w", media.ErrInvalidManifest, ErrDynamic)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("%w: MPD has no periods", media.ErrInvalidManifest)
	}
	period := mpd.Periods[0]

	duration, err := presentationDuration(&mpd, &period)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrInvalidManifest, err)
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest url: %v", media.ErrInvalidManifest, err)
	}
	for _, ref := range []string{mpd.BaseURL, period.BaseURL} {
		if base, err = urlutil.Resolve(base, ref); err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrInvalidManifest, err)
		}
	}

	m := &media.Manifest{
		URL:             manifestURL,
		Duration:        duration,
		Representations: make(map[media.TrackType][]*media.Representation),
	}
	for i := range period.Sets {
		as := &period.Sets[i]
		track, ok := trackOf(as)
		if !ok {
			continue
		}
		asBase, err := urlutil.Resolve(base, as.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: adaptation set %q: %v", media.ErrInvalidManifest, as.ID, err)
		}

		for j := range as.Representations {
			r := &as.Representations[j]
			rep, err := buildRepresentation(track, as, r, asBase, duration)
			if err != nil {
				return nil, fmt.Errorf("%w: representation %q: %v", media.ErrInvalidManifest, r.ID, err)
			}
			m.Representations[track] = append(m.Representations[track], rep)
		}
	}

	if m.Duration == 0 {
		for _, reps := range m.Representations {
			for _, r := range reps {
				m.Duration = max(m.Duration, r.Segments.Duration())
			}
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func presentationDuration(mpd *MPD, period *Period) (time.Duration, error) {
	switch {
	case mpd.MediaPresentationDuration != "":
		return ParseDuration(mpd.MediaPresentationDuration)
	case period.Duration != "":
		return ParseDuration(period.Duration)
	default:
		return 0, nil
	}
}

// trackOf classifies an adaptation set by contentType, falling back to
// the mime type of the set or of its first representation.
func trackOf(as *AdaptationSet) (media.TrackType, bool) {
	candidates := []string{as.ContentType, as.MimeType}
	if len(as.Representations) > 0 {
		candidates = append(candidates, as.Representations[0].MimeType)
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := media.ParseTrackType(c); err == nil {
			return t, true
		}
		return "", false
	}
	return "", false
}

func buildRepresentation(track media.TrackType, as *AdaptationSet, r *Representation, base *url.URL, period time.Duration) (*media.Representation, error) {
	if r.ID == "" {
		return nil, errors.New("missing id")
	}
	tmpl := r.SegmentTemplate.merge(as.SegmentTemplate)
	if tmpl == nil || tmpl.Media == "" {
		return nil, errors.New("no SegmentTemplate with a media attribute")
	}
	base, err := urlutil.Resolve(base, r.BaseURL)
	if err != nil {
		return nil, err
	}

	var times []segmentTime
	switch {
	case tmpl.Timeline != nil:
		times, err = timelineSegments(tmpl, period)
	case tmpl.Duration != nil:
		times, err = fixedSegments(tmpl, period)
	default:
		err = errors.New("SegmentTemplate has neither a timeline nor a duration")
	}
	if err != nil {
		return nil, err
	}

	values := templateValues{RepresentationID: r.ID, Bandwidth: r.Bandwidth}
	ts := tmpl.timescale()
	first := times[0].time
	descs := make([]media.SegmentDescriptor, len(times))
	for i, st := range times {
		values.Number = st.number
		values.Time = st.time
		u, err := urlutil.Resolve(base, expand(tmpl.Media, values))
		if err != nil {
			return nil, err
		}
		start := unitsToDuration(st.time-first, ts)
		descs[i] = media.SegmentDescriptor{
			Start:    start,
			Duration: unitsToDuration(st.time+st.duration-first, ts) - start,
			URL:      u.String(),
		}
	}
	segments, err := media.NewSegmentMap(descs)
	if err != nil {
		return nil, err
	}

	rep := &media.Representation{
		ID:        r.ID,
		Track:     track,
		Bandwidth: r.Bandwidth,
		Codec:     firstNonEmpty(r.Codecs, as.Codecs),
		MimeType:  firstNonEmpty(r.MimeType, as.MimeType),
		Width:     r.Width,
		Height:    r.Height,
		Segments:  segments,
	}
	if tmpl.Initialization != "" {
		u, err := urlutil.Resolve(base, expand(tmpl.Initialization, values))
		if err != nil {
			return nil, err
		}
		rep.InitURL = u.String()
	}
	return rep, nil
}

type segmentTime struct {
	number   uint64
	time     uint64
	duration uint64
}

func timelineSegments(tmpl *SegmentTemplate, period time.Duration) ([]segmentTime, error) {
	entries := tmpl.Timeline.Segments
	if len(entries) == 0 {
		return nil, errors.New("empty SegmentTimeline")
	}

	var pto uint64
	if tmpl.PresentationTimeOffset != nil {
		pto = *tmpl.PresentationTimeOffset
	}
	periodEnd := pto + durationToUnits(period, tmpl.timescale())

	var out []segmentTime
	number := tmpl.startNumber()
	t := pto
	for i, s := range entries {
		if s.T != nil {
			t = *s.T
		}
		if s.D == 0 {
			return nil, fmt.Errorf("timeline entry %d has zero duration", i)
		}

		repeat := s.R
		if repeat < 0 {
			var end uint64
			switch {
			case i+1 < len(entries) && entries[i+1].T != nil:
				end = *entries[i+1].T
			case period > 0:
				end = periodEnd
			default:
				return nil, fmt.Errorf("timeline entry %d repeats to an unknown period end", i)
			}
			repeat = 0
			if end > t {
				repeat = int((end-t+s.D-1)/s.D) - 1
			}
		}

		for range repeat + 1 {
			out = append(out, segmentTime{number: number, time: t, duration: s.D})
			t += s.D
			number++
		}
	}
	return out, nil
}

func fixedSegments(tmpl *SegmentTemplate, period time.Duration) ([]segmentTime, error) {
	d := *tmpl.Duration
	if d == 0 {
		return nil, errors.New("SegmentTemplate duration is zero")
	}
	if period <= 0 {
		return nil, errors.New("duration based SegmentTemplate needs a presentation duration")
	}

	var pto uint64
	if tmpl.PresentationTimeOffset != nil {
		pto = *tmpl.PresentationTimeOffset
	}
	total := durationToUnits(period, tmpl.timescale())
	count := (total + d - 1) / d

	out := make([]segmentTime, 0, count)
	number := tmpl.startNumber()
	for i := range count {
		offset := i * d
		out = append(out, segmentTime{
			number:   number + i,
			time:     pto + offset,
			duration: min(d, total-offset),
		})
	}
	return out, nil
}

func unitsToDuration(units, timescale uint64) time.Duration {
	return time.Duration(units/timescale)*time.Second +
		time.Duration((units%timescale)*uint64(time.Second)/timescale)
}

func durationToUnits(d time.Duration, timescale uint64) uint64 {
	secs := uint64(d / time.Second)
	frac := uint64(d % time.Second)
	return secs*timescale + frac*timescale/uint64(time.Second)
}


func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
