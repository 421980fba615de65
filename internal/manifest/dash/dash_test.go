package dash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/media"
)

const timelineMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT12S" minBufferTime="PT2S">
  <Period id="0">
    <AdaptationSet id="0" contentType="video" mimeType="video/mp4">
      <SegmentTemplate timescale="90000" initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/seg-$Number%05d$.m4s" startNumber="1">
        <SegmentTimeline>
          <S t="0" d="360000" r="1"/>
          <S d="360000"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="720p" bandwidth="2500000" codecs="avc1.64001f" width="1280" height="720"/>
      <Representation id="180p" bandwidth="500000" codecs="avc1.42c00d" width="320" height="180"/>
    </AdaptationSet>
    <AdaptationSet id="1" contentType="audio" mimeType="audio/mp4" lang="en">
      <Representation id="aac" bandwidth="128000" codecs="mp4a.40.2">
        <SegmentTemplate timescale="48000" initialization="audio/init.mp4" media="audio/$Time$.m4s">
          <SegmentTimeline>
            <S t="0" d="192000" r="-1"/>
          </SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
    <AdaptationSet id="2" contentType="text" mimeType="application/ttml+xml">
      <Representation id="subs" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParse_Timeline(t *testing.T) {
	m, err := Parse("https://cdn.example.com/vod/asset/manifest.mpd", []byte(timelineMPD))
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, m.Duration)
	assert.Equal(t, []media.TrackType{media.TrackVideo, media.TrackAudio}, m.Tracks())

	video := m.Catalog(media.TrackVideo)
	require.Len(t, video, 2)
	hd := video[0]
	assert.Equal(t, "720p", hd.ID)
	assert.Equal(t, int64(2_500_000), hd.Bandwidth)
	assert.Equal(t, "avc1.64001f", hd.Codec)
	assert.Equal(t, "video/mp4", hd.MimeType)
	assert.Equal(t, 720, hd.Height)
	assert.Equal(t, "https://cdn.example.com/vod/asset/720p/init.mp4", hd.InitURL)

	descs := hd.Segments.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, media.SegmentDescriptor{
		Position: 3,
		Start:    8 * time.Second,
		Duration: 4 * time.Second,
		URL:      "https://cdn.example.com/vod/asset/720p/seg-00003.m4s",
	}, descs[2])

	audio := m.Catalog(media.TrackAudio)
	require.Len(t, audio, 1)
	assert.Equal(t, 3, audio[0].Segments.Len(), "r=-1 fills to the presentation end")
	last := audio[0].Segments.Last()
	assert.Equal(t, "https://cdn.example.com/vod/asset/audio/384000.m4s", last.URL)
	assert.Equal(t, 12*time.Second, audio[0].Segments.Duration())
}

func TestParse_DurationTemplateAndBaseURL(t *testing.T) {
	const doc = `<MPD type="static" mediaPresentationDuration="PT0H0M10.000S">
  <BaseURL>https://media.example.org/content/</BaseURL>
  <Period>
    <AdaptationSet mimeType="video/mp4" codecs="hev1.1.6.L93.B0">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="0"
        initialization="init-$RepresentationID$.mp4" media="chunk-$RepresentationID$-$Number$-$Bandwidth$.m4s"/>
      <Representation id="v1" bandwidth="800000">
        <BaseURL>v1/</BaseURL>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := Parse("https://origin.example.org/manifest.mpd", []byte(doc))
	require.NoError(t, err)

	rep := m.Catalog(media.TrackVideo)[0]
	assert.Equal(t, "hev1.1.6.L93.B0", rep.Codec)
	assert.Equal(t, "https://media.example.org/content/v1/init-v1.mp4", rep.InitURL)

	descs := rep.Segments.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "https://media.example.org/content/v1/chunk-v1-0-800000.m4s", descs[0].URL)
	assert.Equal(t, "https://media.example.org/content/v1/chunk-v1-2-800000.m4s", descs[2].URL)
	assert.Equal(t, 2*time.Second, descs[2].Duration, "last segment is cut at the presentation end")
}

func TestParse_RebasesPresentationTimeOffset(t *testing.T) {
	const doc = `<MPD type="static" mediaPresentationDuration="PT6S">
  <Period>
    <AdaptationSet contentType="video">
      <Representation id="v" bandwidth="1" mimeType="video/mp4">
        <SegmentTemplate timescale="10" presentationTimeOffset="1000" media="$Time$.m4s">
          <SegmentTimeline><S t="1000" d="20" r="2"/></SegmentTimeline>
        </SegmentTemplate>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := Parse("http://h/m.mpd", []byte(doc))
	require.NoError(t, err)

	rep := m.Catalog(media.TrackVideo)[0]
	assert.Equal(t, time.Duration(0), rep.Segments.First().Start)
	assert.Equal(t, "http://h/1000.m4s", rep.Segments.First().URL)
	assert.Equal(t, "http://h/1040.m4s", rep.Segments.Last().URL)
	assert.Empty(t, rep.InitURL)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", `{"mpd": true}`},
		{"dynamic", `<MPD type="dynamic"><Period/></MPD>`},
		{"no periods", `<MPD type="static" mediaPresentationDuration="PT1S"/>`},
		{"bad duration", `<MPD mediaPresentationDuration="P1Y"><Period/></MPD>`},
		{"no playable sets", `<MPD mediaPresentationDuration="PT4S"><Period><AdaptationSet contentType="text"/></Period></MPD>`},
		{"no template", `<MPD mediaPresentationDuration="PT4S"><Period><AdaptationSet contentType="video"><Representation id="a" bandwidth="1"/></AdaptationSet></Period></MPD>`},
		{"gap in timeline", `<MPD mediaPresentationDuration="PT4S"><Period><AdaptationSet contentType="video">
			<SegmentTemplate media="$Number$" timescale="1"><SegmentTimeline><S t="0" d="1"/><S t="2" d="1"/></SegmentTimeline></SegmentTemplate>
			<Representation id="a" bandwidth="1"/></AdaptationSet></Period></MPD>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("http://h/m.mpd", []byte(tt.doc))
			assert.ErrorIs(t, err, media.ErrInvalidManifest)
		})
	}

	_, err := Parse("http://h/m.mpd", []byte(`<MPD type="dynamic"><Period/></MPD>`))
	assert.ErrorIs(t, err, ErrDynamic)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"PT8S", 8 * time.Second, true},
		{"PT29.6S", 29600 * time.Millisecond, true},
		{"PT1H2M3S", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"PT0S", 0, true},
		{"P1DT1S", 24*time.Hour + time.Second, true},
		{"PT", 0, false},
		{"P1Y", 0, false},
		{"8s", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpand(t *testing.T) {
	v := templateValues{RepresentationID: "v1", Number: 7, Time: 90000, Bandwidth: 500000}

	assert.Equal(t, "v1/7.m4s", expand("$RepresentationID$/$Number$.m4s", v))
	assert.Equal(t, "seg-00007.m4s", expand("seg-$Number%05d$.m4s", v))
	assert.Equal(t, "t90000-b500000", expand("t$Time$-b$Bandwidth$", v))
	assert.Equal(t, "cost$5", expand("cost$$5", v))
	assert.Equal(t, "123456", expand("$Number%03d$", templateValues{Number: 123456}))
}
