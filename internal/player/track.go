package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/abrplay/internal/abr"
	"github.com/jmylchreest/abrplay/internal/fetch"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

type seekCommand struct {
	at    time.Duration
	reply chan error
}

type qualityCommand struct {
	id string
}

type wakeCommand struct{}

// pendingSeek is a seek waiting for its flush or barrier to complete before
// the cursor moves.
type pendingSeek struct {
	at       time.Duration
	position int
	flush    bool
	wait     <-chan error
	reply    chan error
}

type fetchKind int

const (
	fetchMedia fetchKind = iota
	fetchInit
)

type fetchResult struct {
	kind    fetchKind
	session uint64
	rep     *media.Representation
	desc    media.SegmentDescriptor
	res     fetch.Result
	err     error
}

// track runs the control loop for one elementary track. Every field below
// the channels is owned by the loop goroutine; other goroutines talk to it
// through commands and read it through the published snapshot.
type track struct {
	p       *Player
	kind    media.TrackType
	catalog []*media.Representation
	queue   *AppendQueue
	logger  *slog.Logger

	commands chan any
	realign  chan struct{}
	results  chan fetchResult
	timer    *time.Timer

	session   uint64
	active    *media.Representation
	switching *media.Representation
	pinned    string
	cursor    int
	exhausted bool
	fetching  bool
	attempts  int
	seek      *pendingSeek
	rejected  map[string]bool

	segments int64
	bytes    int64
	switches int64

	current atomic.Pointer[media.Representation]

	statsMu sync.Mutex
	stats   TrackStats
}

func newTrack(p *Player, kind media.TrackType) *track {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &track{
		p:        p,
		kind:     kind,
		catalog:  p.manifest.Catalog(kind),
		logger:   p.logger.With(slog.String("track", kind.String())),
		commands: make(chan any, 8),
		realign:  make(chan struct{}, 1),
		results:  make(chan fetchResult, 4),
		timer:    timer,
		rejected: make(map[string]bool),
		stats:    TrackStats{Track: kind},
	}
}

func (t *track) run(ctx context.Context) error {
	t.wake(0)
	defer t.timer.Stop()

	for {
		var seekDone <-chan error
		if t.seek != nil {
			seekDone = t.seek.wait
		}

		select {
		case <-ctx.Done():
			if t.seek != nil {
				t.seek.reply <- ErrClosed
				t.seek = nil
			}
			return nil
		case cmd := <-t.commands:
			t.handleCommand(cmd)
		case <-t.realign:
			t.handleRealign()
		case r := <-t.results:
			t.handleResult(ctx, r)
		case err := <-seekDone:
			t.completeSeek(err)
		case <-t.timer.C:
			t.step(ctx)
		}
		t.publish()
	}
}

// signalRealign asks the loop to check for a session opened elsewhere.
// Signals coalesce.
func (t *track) signalRealign() {
	select {
	case t.realign <- struct{}{}:
	default:
	}
}

// nudge asks the loop to run a step soon. It never blocks; a dropped nudge
// is covered by the poll interval.
func (t *track) nudge() {
	select {
	case t.commands <- wakeCommand{}:
	default:
	}
}

// wake schedules the next control step after d.
func (t *track) wake(d time.Duration) {
	t.timer.Reset(d)
}

// step is one pass of the scheduler.
func (t *track) step(ctx context.Context) {
	if t.p.token.Stale(t.session) {
		// A command carrying the new session is on its way.
		return
	}
	if t.seek != nil || t.fetching {
		return
	}
	if t.switching != nil {
		t.fetchInit(ctx)
		return
	}
	if t.active == nil {
		t.beginSwitch(ctx, t.choose())
		return
	}

	position := t.p.clock.Position()
	buffered := t.p.sink.Buffered(t.kind)
	ahead := buffered.Ahead(position, t.p.cfg.Tolerance) + t.queue.PendingDuration()
	if ahead >= t.p.TargetBuffer() {
		t.wake(t.p.cfg.PollInterval)
		return
	}
	if t.exhausted {
		return
	}

	desc, ok := t.nextSegment(buffered)
	if !ok {
		t.markExhausted("end of segment map")
		return
	}

	if choice := t.choose(); choice != t.active {
		t.beginSwitch(ctx, choice)
		return
	}

	t.fetchSegment(ctx, desc)
}

// nextSegment advances the cursor past segments already buffered and
// returns the first one that needs fetching.
func (t *track) nextSegment(buffered media.TimeRanges) (media.SegmentDescriptor, bool) {
	for {
		desc, ok := t.active.Segments.At(t.cursor)
		if !ok {
			return media.SegmentDescriptor{}, false
		}
		if !buffered.Covers(desc.Start, desc.End(), t.p.cfg.Tolerance) {
			return desc, true
		}
		t.logger.Debug("segment already buffered, skipping", slog.Int("position", desc.Position))
		t.cursor++
	}
}

// choose returns the representation the track should be playing.
func (t *track) choose() *media.Representation {
	if t.pinned != "" {
		if r, ok := t.p.manifest.Representation(t.kind, t.pinned); ok {
			return r
		}
	}

	candidates := make([]*media.Representation, 0, len(t.catalog))
	for _, r := range t.catalog {
		if !t.rejected[r.ID] {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		candidates = t.catalog
	}
	return abr.Select(candidates, t.p.estimator.Estimate(), t.p.cfg.SafetyFactor)
}

func (t *track) spawnFetch(ctx context.Context, kind fetchKind, rep *media.Representation, desc media.SegmentDescriptor) {
	t.fetching = true
	session := t.session

	t.p.fetches.Add(1)
	go func() {
		defer t.p.fetches.Done()
		res, err := t.p.fetcher.Fetch(ctx, desc.URL)
		select {
		case t.results <- fetchResult{kind: kind, session: session, rep: rep, desc: desc, res: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (t *track) fetchSegment(ctx context.Context, desc media.SegmentDescriptor) {
	t.logger.Debug("fetching segment",
		slog.String("representation", t.active.ID),
		slog.Int("position", desc.Position),
		slog.Duration("start", desc.Start),
	)
	t.spawnFetch(ctx, fetchMedia, t.active, desc)
}

func (t *track) fetchInit(ctx context.Context) {
	target := t.switching
	if target.InitURL == "" {
		t.completeSwitch(target, nil)
		return
	}
	t.spawnFetch(ctx, fetchInit, target, media.SegmentDescriptor{URL: target.InitURL})
}

// beginSwitch starts moving the track to target. Switching away from an
// active representation opens a new session so in-flight work for the old
// one is discarded; the initial selection does not.
func (t *track) beginSwitch(ctx context.Context, target *media.Representation) {
	if t.active != nil {
		t.session = t.p.advanceSession(t)
		t.logger.Info("switching representation",
			slog.String("from", t.active.ID),
			slog.String("to", target.ID),
			slog.Float64("estimate_bps", t.p.estimator.Estimate().BitsPerSecond),
			slog.Uint64("session", t.session),
		)
		if t.p.cfg.SwitchFlush == FlushBeforeInit {
			t.flushAhead()
		}
	}
	t.switching = target
	t.attempts = 0
	t.fetchInit(ctx)
}

// completeSwitch makes target active once its init segment is available.
// The switch is abandoned if target does not cover the playback position;
// the session it opened has already dropped queued appends, so the current
// representation rewinds to refill them.
func (t *track) completeSwitch(target *media.Representation, init []byte) {
	position := t.p.clock.Position()

	var desc media.SegmentDescriptor
	if t.active == nil {
		desc = target.Segments.Clamp(position)
	} else {
		d, err := target.Segments.Find(position)
		if err != nil {
			t.logger.Warn("switch target does not cover playback position, keeping current representation",
				slog.String("current", t.active.ID),
				slog.String("target", target.ID),
				slog.Duration("position", position),
			)
			t.rejected[target.ID] = true
			t.switching = nil
			t.rewind()
			t.wake(0)
			return
		}
		desc = d
		if t.p.cfg.SwitchFlush == FlushAfterInit {
			t.flushAhead()
		}
	}

	if init != nil {
		t.queue.Enqueue(sink.Chunk{Data: init, Init: true, Representation: target.ID}, t.session)
	}

	previous := t.active
	t.active = target
	t.current.Store(target)
	t.switching = nil
	t.cursor = desc.Position

	representationBandwidth.WithLabelValues(t.kind.String()).Set(float64(target.Bandwidth))
	if previous == nil {
		t.logger.Info("starting playback",
			slog.String("representation", target.Label()),
			slog.Int("position", desc.Position),
		)
	} else {
		t.switches++
		switches.WithLabelValues(t.kind.String()).Inc()
		t.logger.Info("representation switched",
			slog.String("from", previous.ID),
			slog.String("to", target.ID),
			slog.Int("position", desc.Position),
		)
	}
	t.wake(0)
}

// flushAhead discards everything after the segment currently playing.
func (t *track) flushAhead() {
	desc := t.active.Segments.Clamp(t.p.clock.Position())
	t.queue.Discard(media.TimeRange{Start: desc.End(), End: media.Everything.End}, t.session)
}

func (t *track) handleResult(ctx context.Context, r fetchResult) {
	if r.session != t.session || t.p.token.Stale(r.session) {
		staleResults.WithLabelValues(t.kind.String(), "fetch").Inc()
		t.logger.Debug("discarding stale fetch result",
			slog.String("representation", r.rep.ID),
			slog.Int("position", r.desc.Position),
			slog.Uint64("session", r.session),
		)
		return
	}
	t.fetching = false

	if r.err != nil {
		t.handleFetchError(r)
		return
	}
	t.attempts = 0

	bytes := int64(len(r.res.Data))
	if r.kind == fetchInit {
		if t.switching != r.rep {
			return
		}
		t.completeSwitch(r.rep, r.res.Data)
		return
	}

	t.p.estimator.AddSample(bytes, r.res.Elapsed)
	t.queue.Enqueue(sink.Chunk{
		Data:           r.res.Data,
		Representation: r.rep.ID,
		Position:       r.desc.Position,
		Range:          media.TimeRange{Start: r.desc.Start, End: r.desc.End()},
	}, t.session)
	t.cursor = r.desc.Position + 1

	t.segments++
	t.bytes += bytes
	segmentsFetched.WithLabelValues(t.kind.String(), r.rep.ID).Inc()
	segmentBytes.WithLabelValues(t.kind.String()).Add(float64(bytes))

	t.wake(0)
}

func (t *track) handleFetchError(r fetchResult) {
	kind := fetch.KindOf(r.err)
	fetchErrors.WithLabelValues(t.kind.String(), kind.String()).Inc()

	if r.kind == fetchInit {
		t.handleInitError(r, kind)
		return
	}

	if kind == fetch.KindNotFound {
		t.logger.Info("segment not found, treating as end of track",
			slog.String("representation", r.rep.ID),
			slog.Int("position", r.desc.Position),
		)
		t.markExhausted("segment not found")
		return
	}

	t.attempts++
	if t.attempts >= t.p.cfg.MaxFetchAttempts {
		t.p.fail(fmt.Errorf("%w: %s segment %d of %s failed %d times: %w",
			ErrStalled, t.kind, r.desc.Position, r.rep.ID, t.attempts, r.err))
		return
	}

	delay := t.p.cfg.fetchBackoff(t.attempts)
	t.logger.Warn("segment fetch failed, retrying",
		slog.String("representation", r.rep.ID),
		slog.Int("position", r.desc.Position),
		slog.Int("attempt", t.attempts),
		slog.Duration("delay", delay),
		slog.String("error", r.err.Error()),
	)
	t.wake(delay)
}

func (t *track) handleInitError(r fetchResult, kind fetch.ErrorKind) {
	t.attempts++
	if kind != fetch.KindNotFound && t.attempts < t.p.cfg.MaxFetchAttempts {
		delay := t.p.cfg.fetchBackoff(t.attempts)
		t.logger.Warn("init segment fetch failed, retrying",
			slog.String("representation", r.rep.ID),
			slog.Int("attempt", t.attempts),
			slog.Duration("delay", delay),
			slog.String("error", r.err.Error()),
		)
		t.wake(delay)
		return
	}

	t.rejected[r.rep.ID] = true
	t.switching = nil
	t.attempts = 0

	if t.active == nil && len(t.rejected) >= len(t.catalog) {
		t.p.fail(fmt.Errorf("%w: no usable %s representation: %w", ErrStalled, t.kind, r.err))
		return
	}
	t.logger.Warn("abandoning representation",
		slog.String("representation", r.rep.ID),
		slog.String("error", r.err.Error()),
	)
	if t.active != nil {
		t.rewind()
	}
	t.wake(0)
}

func (t *track) markExhausted(reason string) {
	if t.exhausted {
		return
	}
	t.exhausted = true
	t.logger.Info("track exhausted",
		slog.String("reason", reason),
		slog.Int("cursor", t.cursor),
	)
	t.p.trackExhausted(t.kind, t.session)
}

func (t *track) resume() {
	if t.exhausted {
		t.exhausted = false
		t.p.trackResumed(t.kind)
	}
}

func (t *track) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case seekCommand:
		t.handleSeek(c)
	case wakeCommand:
		if !t.fetching && t.seek == nil {
			t.wake(0)
		}
	case qualityCommand:
		t.pinned = c.id
		if c.id != "" {
			delete(t.rejected, c.id)
		}
		t.logger.Info("quality override", slog.String("representation", c.id))
		t.wake(0)
	}
}

// handleSeek relocates the cursor for a seek to c.at. Buffered targets
// keep their data and only wait for the operation in flight; anything
// else flushes the sink first.
func (t *track) handleSeek(c seekCommand) {
	if t.seek != nil {
		t.seek.reply <- ErrSeekSuperseded
		t.seek = nil
	}

	t.session = t.p.token.Current()
	t.fetching = false
	t.switching = nil
	t.attempts = 0
	clear(t.rejected)
	t.resume()

	if t.active == nil {
		c.reply <- nil
		t.wake(0)
		return
	}

	desc := t.active.Segments.Clamp(c.at)
	flush := !t.p.sink.Buffered(t.kind).Contains(c.at, t.p.cfg.Tolerance)
	t.seek = &pendingSeek{
		at:       c.at,
		position: desc.Position,
		flush:    flush,
		reply:    c.reply,
	}
	t.issueSeekWait()

	t.logger.Debug("seek requested",
		slog.Duration("at", c.at),
		slog.Int("position", desc.Position),
		slog.Bool("flush", flush),
		slog.Uint64("session", t.session),
	)
}

func (t *track) issueSeekWait() {
	if t.seek.flush {
		t.seek.wait = t.queue.Discard(media.Everything, t.session)
	} else {
		t.seek.wait = t.queue.Barrier(t.session)
	}
}

func (t *track) completeSeek(err error) {
	if errors.Is(err, ErrStale) {
		// Another track opened a session; redo the wait under it.
		t.resync(t.p.token.Current())
		return
	}

	s := t.seek
	t.seek = nil
	if err != nil {
		s.reply <- err
		return
	}

	t.cursor = s.position
	s.reply <- nil
	t.logger.Info("seek complete",
		slog.Duration("at", s.at),
		slog.Int("cursor", t.cursor),
		slog.Bool("flushed", s.flush),
	)
	t.wake(0)
}

func (t *track) handleRealign() {
	if cur := t.p.token.Current(); cur != t.session {
		t.resync(cur)
	}
}

// resync moves the track onto session after another track opened it. Work
// queued under the old session is dropped, so the cursor is recomputed
// from the playback position and buffered ranges.
func (t *track) resync(session uint64) {
	t.session = session
	t.fetching = false
	t.switching = nil
	t.attempts = 0

	if t.seek != nil {
		t.issueSeekWait()
		return
	}

	t.resume()
	if t.active != nil {
		t.rewind()
	}
	t.wake(0)
}

// rewind points the cursor back at the segment under the playhead. Appends
// dropped with an abandoned session are refetched; buffered segments are
// skipped by nextSegment.
func (t *track) rewind() {
	t.cursor = t.active.Segments.Clamp(t.p.clock.Position()).Position
}

func (t *track) publish() {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	t.stats.Cursor = t.cursor
	t.stats.Exhausted = t.exhausted
	t.stats.Pinned = t.pinned
	t.stats.Session = t.session
	t.stats.SegmentsFetched = t.segments
	t.stats.BytesFetched = t.bytes
	t.stats.Switches = t.switches
	t.stats.QueueDepth = t.queue.Depth()
	if t.active != nil {
		t.stats.Representation = t.active.ID
		t.stats.Bandwidth = t.active.Bandwidth
	}
	if t.switching != nil {
		t.stats.SwitchingTo = t.switching.ID
	} else {
		t.stats.SwitchingTo = ""
	}
}

func (t *track) snapshot() TrackStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}
