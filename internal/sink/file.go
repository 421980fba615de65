package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/jmylchreest/abrplay/internal/inspect"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/storage"
)

// IndexFile is the name of the capture index written next to the parts.
const IndexFile = "capture.json"

// CapturePart describes one output file of a track.
type CapturePart struct {
	File            string   `json:"file"`
	Bytes           int64    `json:"bytes"`
	Representations []string `json:"representations"`
}

// CaptureTrack describes everything written for one track.
type CaptureTrack struct {
	Track    media.TrackType  `json:"track"`
	Bytes    int64            `json:"bytes"`
	Buffered media.TimeRanges `json:"buffered"`
	Parts    []CapturePart    `json:"parts"`
}

// CaptureIndex is the content of IndexFile.
type CaptureIndex struct {
	Complete bool           `json:"complete"`
	Tracks   []CaptureTrack `json:"tracks"`
}

type fileTrack struct {
	f        *os.File
	parts    []CapturePart
	buffered media.TimeRanges
	written  int64
	updating bool
}

func (tr *fileTrack) current() *CapturePart {
	return &tr.parts[len(tr.parts)-1]
}

// File writes each track's byte stream to disk. A discard starts a new
// output part, since already written bytes cannot be taken back; the
// buffered ranges reported to the player follow the discard either way.
type File struct {
	box    *storage.Sandbox
	logger *slog.Logger

	mu       sync.Mutex
	tracks   map[media.TrackType]*fileTrack
	complete bool
	closed   bool
}

// NewFile creates dir if needed and returns a sink writing into it.
func NewFile(dir string, logger *slog.Logger) (*File, error) {
	box, err := storage.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		box:    box,
		logger: logger.With(slog.String("component", "file_sink")),
		tracks: make(map[media.TrackType]*fileTrack),
	}, nil
}

func partName(t media.TrackType, part int) string {
	return fmt.Sprintf("%s-%03d.mp4", t, part)
}

// Path returns the file a track part is written to.
func (s *File) Path(t media.TrackType, part int) string {
	return filepath.Join(s.box.BaseDir(), partName(t, part))
}

func (s *File) begin(t media.TrackType) (*fileTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	tr, ok := s.tracks[t]
	if !ok {
		tr = &fileTrack{}
		s.tracks[t] = tr
	}
	if tr.updating {
		return nil, ErrBusy
	}
	tr.updating = true
	return tr, nil
}

func (s *File) end(tr *fileTrack) {
	s.mu.Lock()
	tr.updating = false
	s.mu.Unlock()
}

// Append writes chunk to the current part of the track.
func (s *File) Append(_ context.Context, t media.TrackType, chunk Chunk) error {
	tr, err := s.begin(t)
	if err != nil {
		return err
	}
	defer s.end(tr)

	if tr.f == nil {
		name := partName(t, len(tr.parts)+1)
		f, err := s.box.Create(name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTerminal, err)
		}
		s.mu.Lock()
		tr.f = f
		tr.parts = append(tr.parts, CapturePart{File: name})
		s.mu.Unlock()
	}

	if chunk.Init {
		s.logInit(t, chunk)
	}

	n, err := tr.f.Write(chunk.Data)
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrTerminal, tr.f.Name(), err)
	}

	s.mu.Lock()
	tr.written += int64(n)
	part := tr.current()
	part.Bytes += int64(n)
	if chunk.Representation != "" && !slices.Contains(part.Representations, chunk.Representation) {
		part.Representations = append(part.Representations, chunk.Representation)
	}
	if !chunk.Init {
		tr.buffered = tr.buffered.Add(chunk.Range, media.DefaultTolerance)
	}
	s.mu.Unlock()
	return nil
}

func (s *File) logInit(t media.TrackType, chunk Chunk) {
	info, err := inspect.Probe(chunk.Data)
	if err != nil {
		s.logger.Warn("could not inspect init segment",
			slog.String("track", t.String()),
			slog.String("representation", chunk.Representation),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("init segment",
		slog.String("track", t.String()),
		slog.String("representation", chunk.Representation),
		slog.String("container", string(info.Container)),
		slog.Any("codecs", info.Codecs()),
	)
}

// Discard forgets buffered ranges and rotates to a new part when r reaches
// the end of the timeline.
func (s *File) Discard(_ context.Context, t media.TrackType, r media.TimeRange) error {
	tr, err := s.begin(t)
	if err != nil {
		return err
	}
	defer s.end(tr)

	if r.End == media.Everything.End && tr.f != nil {
		if err := tr.f.Close(); err != nil {
			return fmt.Errorf("%w: closing %s: %w", ErrTerminal, tr.f.Name(), err)
		}
		s.mu.Lock()
		tr.f = nil
		s.mu.Unlock()
	}

	s.mu.Lock()
	tr.buffered = tr.buffered.Remove(r)
	s.mu.Unlock()
	return nil
}

// Buffered returns the ranges written to the current part.
func (s *File) Buffered(t media.TrackType) media.TimeRanges {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tracks[t]; ok {
		return slices.Clone(tr.buffered)
	}
	return nil
}

// Ready reports whether the track can accept an operation.
func (s *File) Ready(t media.TrackType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	tr, ok := s.tracks[t]
	return !ok || !tr.updating
}

// EndOfStream flushes every open file to stable storage and writes the
// capture index.
func (s *File) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t, tr := range s.tracks {
		if tr.f == nil {
			continue
		}
		if err := tr.f.Sync(); err != nil {
			return fmt.Errorf("%w: syncing %s: %w", ErrTerminal, t, err)
		}
		s.logger.Info("track complete",
			slog.String("track", t.String()),
			slog.String("file", tr.f.Name()),
			slog.Int64("bytes", tr.written),
		)
	}
	s.complete = true
	if err := s.writeIndexLocked(); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminal, err)
	}
	return nil
}

// Written returns the number of bytes written for a track across all parts.
func (s *File) Written(t media.TrackType) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tracks[t]; ok {
		return tr.written
	}
	return 0
}

// Index returns the capture index as it would be written now.
func (s *File) Index() CaptureIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked()
}

func (s *File) indexLocked() CaptureIndex {
	idx := CaptureIndex{Complete: s.complete}
	for _, t := range media.AllTracks {
		tr, ok := s.tracks[t]
		if !ok || len(tr.parts) == 0 {
			continue
		}
		parts := make([]CapturePart, len(tr.parts))
		for i, p := range tr.parts {
			p.Representations = slices.Clone(p.Representations)
			parts[i] = p
		}
		idx.Tracks = append(idx.Tracks, CaptureTrack{
			Track:    t,
			Bytes:    tr.written,
			Buffered: slices.Clone(tr.buffered),
			Parts:    parts,
		})
	}
	return idx
}

func (s *File) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.indexLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding capture index: %w", err)
	}
	if err := s.box.AtomicWrite(IndexFile, data); err != nil {
		return fmt.Errorf("writing capture index: %w", err)
	}
	return nil
}

// Close closes all files and writes the capture index. Further operations
// fail with ErrClosed.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for _, tr := range s.tracks {
		if tr.f == nil {
			continue
		}
		if err := tr.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tr.f = nil
	}
	if err := s.writeIndexLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
