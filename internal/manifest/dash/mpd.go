// Package dash builds a playable manifest from a static MPEG-DASH MPD.
package dash

import "encoding/xml"

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	Profiles                  string   `xml:"profiles,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// Period represents a media content period.
type Period struct {
	ID       string          `xml:"id,attr"`
	Start    string          `xml:"start,attr"`
	Duration string          `xml:"duration,attr"`
	BaseURL  string          `xml:"BaseURL"`
	Sets     []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID              string           `xml:"id,attr"`
	ContentType     string           `xml:"contentType,attr"`
	Lang            string           `xml:"lang,attr,omitempty"`
	MimeType        string           `xml:"mimeType,attr"`
	Codecs          string           `xml:"codecs,attr"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	Representations []Representation `xml:"Representation"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       int64            `xml:"bandwidth,attr"`
	Codecs          string           `xml:"codecs,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	Width           int              `xml:"width,attr,omitempty"`
	Height          int              `xml:"height,attr,omitempty"`
	FrameRate       string           `xml:"frameRate,attr,omitempty"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

// SegmentTemplate defines the URL structure and timing of segments.
// Unset attributes are inherited from the adaptation set's template.
type SegmentTemplate struct {
	Timescale              *uint64          `xml:"timescale,attr"`
	Duration               *uint64          `xml:"duration,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	PresentationTimeOffset *uint64          `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of equal-duration segments.
type S struct {
	T *uint64 `xml:"t,attr"` // start time, continues from the previous entry when absent
	D uint64  `xml:"d,attr"` // duration
	R int     `xml:"r,attr"` // repeat count, -1 repeats to the next entry or period end
}

// merge returns t with every unset field taken from parent.
func (t *SegmentTemplate) merge(parent *SegmentTemplate) *SegmentTemplate {
	switch {
	case t == nil && parent == nil:
		return nil
	case t == nil:
		c := *parent
		return &c
	case parent == nil:
		c := *t
		return &c
	}

	c := *t
	if c.Timescale == nil {
		c.Timescale = parent.Timescale
	}
	if c.Duration == nil {
		c.Duration = parent.Duration
	}
	if c.StartNumber == nil {
		c.StartNumber = parent.StartNumber
	}
	if c.PresentationTimeOffset == nil {
		c.PresentationTimeOffset = parent.PresentationTimeOffset
	}
	if c.Initialization == "" {
		c.Initialization = parent.Initialization
	}
	if c.Media == "" {
		c.Media = parent.Media
	}
	if c.Timeline == nil {
		c.Timeline = parent.Timeline
	}
	return &c
}

func (t *SegmentTemplate) timescale() uint64 {
	if t.Timescale == nil || *t.Timescale == 0 {
		return 1
	}
	return *t.Timescale
}

func (t *SegmentTemplate) startNumber() uint64 {
	if t.StartNumber == nil {
		return 1
	}
	return *t.StartNumber
}
