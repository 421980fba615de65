// Package inspect identifies the container and codecs of fetched segments.
// Fragmented MP4 is parsed with mediacommon, MPEG-TS with go-astits.
package inspect

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// ErrUnknownContainer is returned when data is neither fMP4 nor MPEG-TS.
var ErrUnknownContainer = errors.New("unknown container")

// Container identifies a segment container format.
type Container string

const (
	ContainerFMP4   Container = "fmp4"
	ContainerMPEGTS Container = "mpegts"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	tsClockRate  = 90000
)

// Track describes one elementary stream found in a segment.
type Track struct {
	ID        int    `json:"id"`
	Kind      string `json:"kind"` // video, audio or other
	Codec     string `json:"codec"`
	TimeScale uint32 `json:"timescale,omitempty"`
}

// Info is the result of probing a segment.
type Info struct {
	Container Container     `json:"container"`
	Init      bool          `json:"init"`
	Tracks    []Track       `json:"tracks"`
	Fragments int           `json:"fragments,omitempty"`
	Samples   int           `json:"samples,omitempty"`
	StartTime time.Duration `json:"start_time,omitempty"`
}

// Codecs returns the codec names of all tracks.
func (i Info) Codecs() []string {
	out := make([]string, 0, len(i.Tracks))
	for _, t := range i.Tracks {
		out = append(out, t.Codec)
	}
	return out
}

// Probe identifies data as an fMP4 init segment, an fMP4 media segment, or
// an MPEG-TS segment and reports its tracks.
func Probe(data []byte) (Info, error) {
	switch {
	case isMPEGTS(data):
		return probeTS(data)
	case hasBox(data, "ftyp") || hasBox(data, "moov"):
		return probeInit(data)
	case hasBox(data, "moof") || hasBox(data, "styp"):
		return probeFragments(data)
	default:
		return Info{}, ErrUnknownContainer
	}
}

// hasBox reports whether the top-level box sequence starting at data
// contains a box of the given type before any mdat.
func hasBox(data []byte, boxType string) bool {
	for off := 0; off+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		if typ == boxType {
			return true
		}
		if size < 8 || typ == "mdat" {
			return false
		}
		off += size
	}
	return false
}

func probeInit(data []byte) (Info, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(data)); err != nil {
		return Info{}, fmt.Errorf("parsing init segment: %w", err)
	}

	info := Info{Container: ContainerFMP4, Init: true}
	for _, track := range init.Tracks {
		kind, codec := describeCodec(track.Codec)
		info.Tracks = append(info.Tracks, Track{
			ID:        track.ID,
			Kind:      kind,
			Codec:     codec,
			TimeScale: track.TimeScale,
		})
	}
	return info, nil
}

func describeCodec(codec mp4.Codec) (kind, name string) {
	switch codec.(type) {
	case *mp4.CodecH264:
		return "video", "h264"
	case *mp4.CodecH265:
		return "video", "h265"
	case *mp4.CodecAV1:
		return "video", "av1"
	case *mp4.CodecVP9:
		return "video", "vp9"
	case *mp4.CodecMPEG4Audio:
		return "audio", "aac"
	case *mp4.CodecOpus:
		return "audio", "opus"
	case *mp4.CodecAC3:
		return "audio", "ac3"
	default:
		return "other", fmt.Sprintf("%T", codec)
	}
}

func probeFragments(data []byte) (Info, error) {
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return Info{}, fmt.Errorf("parsing fragments: %w", err)
	}

	info := Info{Container: ContainerFMP4, Fragments: len(parts)}
	seen := make(map[int]bool)
	for _, part := range parts {
		for _, track := range part.Tracks {
			info.Samples += len(track.Samples)
			if !seen[track.ID] {
				seen[track.ID] = true
				info.Tracks = append(info.Tracks, Track{ID: track.ID, Kind: "other"})
			}
		}
	}
	return info, nil
}

func isMPEGTS(data []byte) bool {
	if len(data) < tsPacketSize || data[0] != tsSyncByte {
		return false
	}
	return len(data) < 2*tsPacketSize || data[tsPacketSize] == tsSyncByte
}

// MPEG-TS stream_type values from ISO/IEC 13818-1 and ATSC A/52.
const (
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypeAAC        = 0x0f
	streamTypeH264       = 0x1b
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81
	streamTypeEAC3       = 0x87
)

func probeTS(data []byte) (Info, error) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(data))

	info := Info{Container: ContainerMPEGTS}
	gotPMT, gotPTS := false, false
	for !gotPMT || !gotPTS {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return Info{}, fmt.Errorf("demuxing transport stream: %w", err)
		}

		if d.PMT != nil && !gotPMT {
			gotPMT = true
			for _, es := range d.PMT.ElementaryStreams {
				kind, codec := describeStreamType(uint8(es.StreamType))
				info.Tracks = append(info.Tracks, Track{
					ID:        int(es.ElementaryPID),
					Kind:      kind,
					Codec:     codec,
					TimeScale: tsClockRate,
				})
			}
		}

		if d.PES != nil && !gotPTS && d.PES.Header != nil && d.PES.Header.OptionalHeader != nil &&
			d.PES.Header.OptionalHeader.PTS != nil {
			gotPTS = true
			base := d.PES.Header.OptionalHeader.PTS.Base
			info.StartTime = time.Duration(base) * time.Second / tsClockRate
		}
	}

	if !gotPMT {
		return Info{}, fmt.Errorf("%w: no PMT in transport stream", ErrUnknownContainer)
	}
	return info, nil
}

func describeStreamType(st uint8) (kind, name string) {
	switch st {
	case streamTypeH264:
		return "video", "h264"
	case streamTypeH265:
		return "video", "h265"
	case streamTypeAAC:
		return "audio", "aac"
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return "audio", "mp3"
	case streamTypeAC3:
		return "audio", "ac3"
	case streamTypeEAC3:
		return "audio", "eac3"
	default:
		return "other", fmt.Sprintf("0x%02x", st)
	}
}
