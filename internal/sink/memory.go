package sink

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/media"
)

// MemoryConfig configures a Memory sink.
type MemoryConfig struct {
	// Quota is the maximum number of buffered bytes per track. Zero means unlimited.
	Quota int64
	// AppendLatency simulates decoder time spent per append.
	AppendLatency time.Duration
	// Tolerance merges ranges whose edges are closer than this.
	Tolerance time.Duration
	Logger    *slog.Logger
}

type memoryChunk struct {
	Chunk
	size int64
}

type memoryTrack struct {
	chunks   []memoryChunk
	buffered media.TimeRanges
	bytes    int64
	init     string
	updating bool
	appends  int
	discards int
}

// Memory is an in-process sink that keeps segment bookkeeping but no media
// data. It behaves like a browser source buffer: one update at a time per
// track, a byte quota, and explicit removal of played-out ranges.
type Memory struct {
	cfg    MemoryConfig
	logger *slog.Logger

	mu     sync.Mutex
	tracks map[media.TrackType]*memoryTrack
	ended  int
	closed bool
}

// NewMemory creates an empty memory sink.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = media.DefaultTolerance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Memory{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "memory_sink")),
		tracks: make(map[media.TrackType]*memoryTrack),
	}
}

func (m *Memory) track(t media.TrackType) *memoryTrack {
	tr, ok := m.tracks[t]
	if !ok {
		tr = &memoryTrack{}
		m.tracks[t] = tr
	}
	return tr
}

// begin marks the track as updating, failing if it already is.
func (m *Memory) begin(t media.TrackType) (*memoryTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	tr := m.track(t)
	if tr.updating {
		return nil, ErrBusy
	}
	tr.updating = true
	return tr, nil
}

func (m *Memory) simulateLatency(ctx context.Context) error {
	if m.cfg.AppendLatency <= 0 {
		return nil
	}
	timer := time.NewTimer(m.cfg.AppendLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Append buffers a chunk.
func (m *Memory) Append(ctx context.Context, t media.TrackType, chunk Chunk) error {
	tr, err := m.begin(t)
	if err != nil {
		return err
	}

	latencyErr := m.simulateLatency(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	tr.updating = false

	if latencyErr != nil {
		return latencyErr
	}
	if m.closed {
		return ErrClosed
	}

	size := int64(len(chunk.Data))
	if m.cfg.Quota > 0 && !chunk.Init && tr.bytes+size > m.cfg.Quota {
		return fmt.Errorf("%s: %d buffered + %d: %w", t, tr.bytes, size, ErrQuotaExceeded)
	}

	// Appending after end of stream reopens the buffer.
	m.ended = 0
	tr.appends++
	if chunk.Init {
		tr.init = chunk.Representation
		return nil
	}

	// Overlapping data replaces what was there.
	tr.removeLocked(chunk.Range)
	tr.chunks = append(tr.chunks, memoryChunk{Chunk: Chunk{
		Representation: chunk.Representation,
		Position:       chunk.Position,
		Range:          chunk.Range,
	}, size: size})
	slices.SortFunc(tr.chunks, func(a, b memoryChunk) int {
		return cmp.Compare(a.Range.Start, b.Range.Start)
	})
	tr.bytes += size
	tr.buffered = tr.buffered.Add(chunk.Range, m.cfg.Tolerance)
	return nil
}

// Discard removes buffered content intersecting r.
func (m *Memory) Discard(ctx context.Context, t media.TrackType, r media.TimeRange) error {
	tr, err := m.begin(t)
	if err != nil {
		return err
	}

	latencyErr := m.simulateLatency(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	tr.updating = false
	if latencyErr != nil {
		return latencyErr
	}
	if m.closed {
		return ErrClosed
	}

	tr.discards++
	tr.removeLocked(r)
	m.logger.Debug("discarded buffered range",
		slog.String("track", t.String()),
		slog.String("range", r.String()),
		slog.Int64("buffered_bytes", tr.bytes),
	)
	return nil
}

// removeLocked drops whole chunks overlapping r and cuts r from the ranges.
func (tr *memoryTrack) removeLocked(r media.TimeRange) {
	kept := tr.chunks[:0]
	for _, c := range tr.chunks {
		if c.Range.End <= r.Start || c.Range.Start >= r.End {
			kept = append(kept, c)
			continue
		}
		tr.bytes -= c.size
	}
	tr.chunks = kept
	tr.buffered = tr.buffered.Remove(r)
}

// Evict removes content that ends before position minus keep on every
// track, freeing quota the way a player drops its back buffer.
func (m *Memory) Evict(position, keep time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cut := position - keep
	if cut <= 0 {
		return
	}
	for _, tr := range m.tracks {
		if tr.updating {
			continue
		}
		tr.removeLocked(media.TimeRange{Start: 0, End: cut})
	}
}

// Buffered returns the buffered ranges of a track.
func (m *Memory) Buffered(t media.TrackType) media.TimeRanges {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.tracks[t]; ok {
		return slices.Clone(tr.buffered)
	}
	return nil
}

// Ready reports whether the track can accept an operation. A closed sink
// reports ready so the next operation fails with ErrClosed.
func (m *Memory) Ready(t media.TrackType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	tr, ok := m.tracks[t]
	return !ok || !tr.updating
}

// EndOfStream records that no more input will arrive.
func (m *Memory) EndOfStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ended++
	m.logger.Info("end of stream signalled")
	return nil
}

// Ended reports how many times EndOfStream was called since the last append.
func (m *Memory) Ended() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// Close makes every further operation fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MemoryTrackInfo summarizes one track of a Memory sink.
type MemoryTrackInfo struct {
	Init      string
	Bytes     int64
	Appends   int
	Discards  int
	Buffered  media.TimeRanges
	Positions []int
	Reps      []string
}

// Info returns a snapshot of a track.
func (m *Memory) Info(t media.TrackType) MemoryTrackInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.tracks[t]
	if !ok {
		return MemoryTrackInfo{}
	}
	info := MemoryTrackInfo{
		Init:     tr.init,
		Bytes:    tr.bytes,
		Appends:  tr.appends,
		Discards: tr.discards,
		Buffered: slices.Clone(tr.buffered),
	}
	for _, c := range tr.chunks {
		info.Positions = append(info.Positions, c.Position)
		info.Reps = append(info.Reps, c.Representation)
	}
	return info
}
