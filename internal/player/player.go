// Package player drives adaptive playback of a segmented media asset. Each
// track runs its own scheduling loop that keeps the sink filled up to a
// target buffer, switching representation as the throughput estimate
// changes. Seeks and switches advance a shared SessionToken so work that
// started under an earlier session never reaches the sink.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrplay/internal/abr"
	"github.com/jmylchreest/abrplay/internal/fetch"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

// Fetcher downloads segments.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
}

// Clock reports the playback position.
type Clock interface {
	Position() time.Duration
}

// Seeker is implemented by clocks the player can reposition on seek.
type Seeker interface {
	Seek(t time.Duration)
}

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		p.logger = logger
	}
}

// WithOnStats registers an observer called every StatsInterval while running.
func WithOnStats(fn func(Stats)) Option {
	return func(p *Player) {
		p.onStats = fn
	}
}

// WithOnError registers an observer called once when playback fails.
func WithOnError(fn func(error)) Option {
	return func(p *Player) {
		p.onError = fn
	}
}

// WithOnEnd registers an observer called each time end of stream is signalled.
func WithOnEnd(fn func()) Option {
	return func(p *Player) {
		p.onEnd = fn
	}
}

// Player plays one manifest into a sink.
type Player struct {
	id        string
	manifest  *media.Manifest
	fetcher   Fetcher
	sink      sink.Sink
	clock     Clock
	cfg       Config
	logger    *slog.Logger
	estimator *abr.Estimator
	token     SessionToken

	onStats func(Stats)
	onError func(error)
	onEnd   func()

	targetBuffer atomic.Int64

	tracks []*track
	byKind map[media.TrackType]*track

	fetches sync.WaitGroup
	bg      sync.WaitGroup
	seekMu  sync.Mutex

	mu           sync.Mutex
	state        State
	err          error
	ctx          context.Context
	cancel       context.CancelFunc
	exhausted    map[media.TrackType]bool
	endSignalled bool
	endPending   bool
	endSession   uint64

	done     chan struct{}
	failOnce sync.Once
}

// New creates a player for m. The manifest must already be validated.
func New(m *media.Manifest, fetcher Fetcher, s sink.Sink, clock Clock, cfg Config, opts ...Option) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid player config: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	p := &Player{
		id:        ulid.Make().String(),
		manifest:  m,
		fetcher:   fetcher,
		sink:      s,
		clock:     clock,
		cfg:       cfg,
		logger:    slog.Default(),
		estimator: abr.NewEstimator(cfg.EstimatorWindow),
		byKind:    make(map[media.TrackType]*track),
		state:     StateIdle,
		exhausted: make(map[media.TrackType]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "player"), slog.String("player_id", p.id))
	p.targetBuffer.Store(int64(cfg.TargetBuffer))

	kinds := cfg.Tracks
	if len(kinds) == 0 {
		kinds = m.Tracks()
	}
	for _, kind := range kinds {
		if len(m.Catalog(kind)) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, kind)
		}
		t := newTrack(p, kind)
		p.tracks = append(p.tracks, t)
		p.byKind[kind] = t
	}
	if len(p.tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks to play", media.ErrInvalidManifest)
	}
	return p, nil
}

// ID returns the unique id of this player instance.
func (p *Player) ID() string {
	return p.id
}

// Session returns the current session generation.
func (p *Player) Session() uint64 {
	return p.token.Current()
}

// Run plays until ctx is cancelled or playback fails. It returns nil when
// stopped through ctx and the fatal error otherwise.
func (p *Player) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.cancel = cancel
	p.state = StateRunning
	for _, t := range p.tracks {
		t.queue = NewAppendQueue(ctx, t.kind, p.sink, &p.token, AppendQueueConfig{
			RetryDelay: p.cfg.AppendRetryDelay,
			MaxRetries: p.cfg.MaxAppendRetries,
			Logger:     t.logger,
			OnFatal:    p.fail,
		})
	}
	p.mu.Unlock()

	p.logger.Info("starting playback",
		slog.String("manifest", p.manifest.URL),
		slog.Duration("duration", p.manifest.Duration),
		slog.Int("tracks", len(p.tracks)),
		slog.Duration("target_buffer", p.TargetBuffer()),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.tracks {
		g.Go(func() error {
			return t.run(gctx)
		})
	}
	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})
	_ = g.Wait()

	cancel()
	p.fetches.Wait()
	for _, t := range p.tracks {
		t.queue.Close()
	}
	p.bg.Wait()

	p.mu.Lock()
	err := p.err
	if p.state != StateError {
		p.state = StateStopped
	}
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		return err
	}
	p.logger.Info("playback stopped")
	return nil
}

// Done is closed once Run has returned.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// State returns the lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the fatal error, if playback failed.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// TargetBuffer returns the buffered-ahead watermark.
func (p *Player) TargetBuffer() time.Duration {
	return time.Duration(p.targetBuffer.Load())
}

// SetTargetBuffer changes the buffered-ahead watermark. It takes effect on
// each track's next scheduling step.
func (p *Player) SetTargetBuffer(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("target buffer must be positive")
	}
	p.targetBuffer.Store(int64(d))
	p.logger.Info("target buffer changed", slog.Duration("target_buffer", d))
	for _, t := range p.tracks {
		t.nudge()
	}
	return nil
}

// SetQuality pins track to representation id, disabling adaptive selection
// for it. An empty id returns the track to adaptive selection.
func (p *Player) SetQuality(kind media.TrackType, id string) error {
	t, ok := p.byKind[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, kind)
	}
	if id != "" {
		if _, ok := p.manifest.Representation(kind, id); !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownRepresentation, kind, id)
		}
	}
	// A buffered send can win a select against a closed done channel.
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case t.commands <- qualityCommand{id: id}:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Seek moves playback to at. The target is validated against the active
// representation of every track before anything changes; an out of range
// target returns ErrSeekOutOfRange and leaves the player as it was. Seek
// returns once every track has flushed or kept its buffer and repositioned
// its cursor, or ErrSeekSuperseded if a later seek overtook it.
func (p *Player) Seek(ctx context.Context, at time.Duration) error {
	switch p.State() {
	case StateRunning, StateEnded:
	default:
		return ErrNotRunning
	}

	p.seekMu.Lock()
	if err := p.validateSeek(at); err != nil {
		p.seekMu.Unlock()
		seeks.WithLabelValues("out_of_range").Inc()
		return err
	}

	session := p.token.Advance()
	p.mu.Lock()
	clear(p.exhausted)
	p.endSignalled = false
	if p.state == StateEnded {
		p.state = StateRunning
	}
	p.mu.Unlock()

	if s, ok := p.clock.(Seeker); ok {
		s.Seek(at)
	}
	p.logger.Info("seeking", slog.Duration("at", at), slog.Uint64("session", session))

	replies := make([]chan error, 0, len(p.tracks))
	for _, t := range p.tracks {
		reply := make(chan error, 1)
		select {
		case t.commands <- seekCommand{at: at, reply: reply}:
		case <-p.done:
			p.seekMu.Unlock()
			return ErrClosed
		}
		replies = append(replies, reply)
	}
	p.seekMu.Unlock()

	var result error
	for _, reply := range replies {
		select {
		case err := <-reply:
			if err != nil && result == nil {
				result = err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		}
	}

	switch {
	case result == nil:
		seeks.WithLabelValues("ok").Inc()
	case errors.Is(result, ErrSeekSuperseded):
		seeks.WithLabelValues("superseded").Inc()
	default:
		seeks.WithLabelValues("error").Inc()
	}
	return result
}

func (p *Player) validateSeek(at time.Duration) error {
	if at < 0 || at > p.manifest.Duration {
		return fmt.Errorf("%w: %v not in [0, %v]", ErrSeekOutOfRange, at, p.manifest.Duration)
	}
	for _, t := range p.tracks {
		rep := t.current.Load()
		if rep == nil {
			rep = t.catalog[0]
		}
		if _, err := rep.Segments.Find(at); err != nil {
			return fmt.Errorf("%w: %s representation %s does not cover %v", ErrSeekOutOfRange, t.kind, rep.ID, at)
		}
	}
	return nil
}

// Stats returns a snapshot of the player.
func (p *Player) Stats() Stats {
	est := p.estimator.Estimate()
	position := p.clock.Position()

	stats := Stats{
		ID:                  p.id,
		State:               p.State(),
		Session:             p.token.Current(),
		Position:            position,
		Duration:            p.manifest.Duration,
		TargetBuffer:        p.TargetBuffer(),
		EstimatedThroughput: est.BitsPerSecond,
		ThroughputValid:     est.Valid,
		Tracks:              make([]TrackStats, 0, len(p.tracks)),
	}
	for _, t := range p.tracks {
		ts := t.snapshot()
		buffered := p.sink.Buffered(t.kind)
		ts.Buffered = buffered
		ts.BufferedAhead = buffered.Ahead(position, p.cfg.Tolerance)
		stats.Tracks = append(stats.Tracks, ts)
	}
	return stats
}

func (p *Player) reportStats(ctx context.Context) {
	if p.cfg.StatsInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			throughput.Set(stats.EstimatedThroughput)
			for _, ts := range stats.Tracks {
				bufferedAhead.WithLabelValues(ts.Track.String()).Set(ts.BufferedAhead.Seconds())
				queueDepth.WithLabelValues(ts.Track.String()).Set(float64(ts.QueueDepth))
			}
			if p.onStats != nil {
				p.onStats(stats)
			}
		}
	}
}

// advanceSession opens a new session on behalf of t and tells the other
// tracks to move onto it.
func (p *Player) advanceSession(from *track) uint64 {
	session := p.token.Advance()
	for _, t := range p.tracks {
		if t != from {
			t.signalRealign()
		}
	}
	return session
}

// trackExhausted records that kind has nothing left to fetch under session.
// Once every track is exhausted and their queues have drained, end of
// stream is signalled to the sink.
func (p *Player) trackExhausted(kind media.TrackType, session uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Stale(session) || p.state != StateRunning {
		return
	}
	p.exhausted[kind] = true
	if len(p.exhausted) < len(p.tracks) || p.endSignalled {
		return
	}
	// A signal still waiting under an earlier session will see it is stale
	// and give up, so this session needs its own.
	if p.endPending && p.endSession == session {
		return
	}
	p.endPending = true
	p.endSession = session

	p.bg.Add(1)
	go p.signalEnd(session)
}

func (p *Player) signalEnd(session uint64) {
	defer p.bg.Done()

	for _, t := range p.tracks {
		select {
		case <-t.queue.Idle():
		case <-p.ctx.Done():
			p.mu.Lock()
			p.clearEndPending(session)
			p.mu.Unlock()
			return
		}
	}

	p.mu.Lock()
	p.clearEndPending(session)
	if p.token.Stale(session) || p.state != StateRunning || p.endSignalled || len(p.exhausted) < len(p.tracks) {
		p.mu.Unlock()
		return
	}
	p.endSignalled = true
	p.state = StateEnded
	p.mu.Unlock()

	if err := p.sink.EndOfStream(); err != nil {
		p.fail(fmt.Errorf("signal end of stream: %w", err))
		return
	}
	p.logger.Info("end of stream", slog.Uint64("session", session))
	if p.onEnd != nil {
		p.onEnd()
	}
}

// clearEndPending drops the pending marker if it still belongs to session.
func (p *Player) clearEndPending(session uint64) {
	if p.endSession == session {
		p.endPending = false
	}
}

func (p *Player) trackResumed(kind media.TrackType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.exhausted, kind)
}

// fail moves the player to StateError and stops every track. Only the
// first call has any effect.
func (p *Player) fail(err error) {
	p.failOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.state = StateError
		cancel := p.cancel
		p.mu.Unlock()

		p.logger.Error("playback failed", slog.String("error", err.Error()))
		if cancel != nil {
			cancel()
		}
		if p.onError != nil {
			p.onError(err)
		}
	})
}
