package player

import (
	"time"

	"github.com/jmylchreest/abrplay/internal/media"
)

// State is the lifecycle state of a Player.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	// StateEnded means every track has been exhausted and end of stream was
	// signalled. A seek back into the asset returns the player to running.
	StateEnded   State = "ended"
	StateError   State = "error"
	StateStopped State = "stopped"
)

// TrackStats describes one track at a point in time.
type TrackStats struct {
	Track           media.TrackType  `json:"track"`
	Representation  string           `json:"representation,omitempty"`
	SwitchingTo     string           `json:"switching_to,omitempty"`
	Bandwidth       int64            `json:"bandwidth"`
	Pinned          string           `json:"pinned,omitempty"`
	BufferedAhead   time.Duration    `json:"buffered_ahead"`
	Buffered        media.TimeRanges `json:"buffered"`
	QueueDepth      int              `json:"queue_depth"`
	Cursor          int              `json:"cursor"`
	Exhausted       bool             `json:"exhausted"`
	Session         uint64           `json:"session"`
	SegmentsFetched int64            `json:"segments_fetched"`
	BytesFetched    int64            `json:"bytes_fetched"`
	Switches        int64            `json:"switches"`
}

// Stats is a snapshot of the whole player.
type Stats struct {
	ID                  string        `json:"id"`
	State               State         `json:"state"`
	Session             uint64        `json:"session"`
	Position            time.Duration `json:"position"`
	Duration            time.Duration `json:"duration"`
	TargetBuffer        time.Duration `json:"target_buffer"`
	EstimatedThroughput float64       `json:"estimated_throughput_bps"`
	ThroughputValid     bool          `json:"throughput_valid"`
	Tracks              []TrackStats  `json:"tracks"`
}

// Track returns the stats for kind, if the player is playing it.
func (s Stats) Track(kind media.TrackType) (TrackStats, bool) {
	for _, t := range s.Tracks {
		if t.Track == kind {
			return t, true
		}
	}
	return TrackStats{}, false
}
