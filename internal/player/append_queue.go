package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

type opKind int

const (
	opAppend opKind = iota
	opDiscard
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opAppend:
		return "append"
	case opDiscard:
		return "discard"
	default:
		return "barrier"
	}
}

// appendRequest is one queued sink operation. done, when set, receives the
// outcome exactly once and is buffered so the queue never blocks on it.
type appendRequest struct {
	kind    opKind
	chunk   sink.Chunk
	discard media.TimeRange
	session uint64
	retries int
	done    chan error
}

// AppendQueueConfig configures an AppendQueue.
type AppendQueueConfig struct {
	RetryDelay time.Duration
	MaxRetries int
	Logger     *slog.Logger
	// OnFatal is called once when an operation fails terminally or runs out
	// of retries. The queue stops draining afterwards.
	OnFatal func(error)
}

// AppendQueue serializes writes to one track of a sink. At most one sink
// operation is outstanding at a time; operations reach the sink in the
// order they were queued and are dropped without touching the sink when
// their session has been superseded.
type AppendQueue struct {
	track media.TrackType
	sink  sink.Sink
	token *SessionToken
	cfg   AppendQueueConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	items    []*appendRequest
	inFlight bool
	waiting  bool
	timer    *time.Timer
	closed   bool
	idle     []chan struct{}
	appended int64
	dropped  int64
}

// NewAppendQueue creates a queue writing track into s. Sink operations run
// under a context derived from ctx and cancelled by Close.
func NewAppendQueue(ctx context.Context, track media.TrackType, s sink.Sink, token *SessionToken, cfg AppendQueueConfig) *AppendQueue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(error) {}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &AppendQueue{
		track:  track,
		sink:   s,
		token:  token,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue queues chunk for appending under session.
func (q *AppendQueue) Enqueue(chunk sink.Chunk, session uint64) {
	q.push(&appendRequest{kind: opAppend, chunk: chunk, session: session})
}

// Discard queues removal of r from the sink. The returned channel yields
// nil once the removal has completed, ErrStale if it was dropped, or the
// sink error.
func (q *AppendQueue) Discard(r media.TimeRange, session uint64) <-chan error {
	req := &appendRequest{kind: opDiscard, discard: r, session: session, done: make(chan error, 1)}
	q.push(req)
	return req.done
}

// Barrier returns a channel that yields nil once every operation queued
// before it has completed or been dropped.
func (q *AppendQueue) Barrier(session uint64) <-chan error {
	req := &appendRequest{kind: opBarrier, session: session, done: make(chan error, 1)}
	q.push(req)
	return req.done
}

func (q *AppendQueue) push(req *appendRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		finish(req, ErrClosed)
		return
	}
	q.items = append(q.items, req)
	q.drainLocked()
}

// Depth returns the number of queued operations, excluding the one in flight.
func (q *AppendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingDuration returns the media time held by queued, current-session appends.
func (q *AppendQueue) PendingDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total time.Duration
	for _, req := range q.items {
		if req.kind == opAppend && !q.token.Stale(req.session) {
			total += req.chunk.Range.Length()
		}
	}
	return total
}

// Appended returns the number of successful appends.
func (q *AppendQueue) Appended() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.appended
}

// Dropped returns the number of operations dropped as stale.
func (q *AppendQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Idle returns a channel closed once the queue is empty with nothing in
// flight, or immediately if that is already the case.
func (q *AppendQueue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan struct{})
	if q.closed || q.idleLocked() {
		close(ch)
		return ch
	}
	q.idle = append(q.idle, ch)
	return ch
}

func (q *AppendQueue) idleLocked() bool {
	return len(q.items) == 0 && !q.inFlight && !q.waiting
}

// Close stops the queue, fails pending operations with ErrClosed, cancels
// the outstanding sink operation and waits for it to return.
func (q *AppendQueue) Close() {
	q.mu.Lock()
	q.shutdownLocked()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *AppendQueue) shutdownLocked() {
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.waiting = false
	for _, req := range q.items {
		finish(req, ErrClosed)
	}
	q.items = nil
	for _, ch := range q.idle {
		close(ch)
	}
	q.idle = nil
}

// drainLocked starts the next operation if the sink is free. Stale entries
// at the head are dropped, and barriers complete, without sink involvement.
func (q *AppendQueue) drainLocked() {
	if q.closed || q.inFlight || q.waiting {
		return
	}

	for len(q.items) > 0 {
		head := q.items[0]

		if q.token.Stale(head.session) {
			q.items = q.items[1:]
			q.dropped++
			staleResults.WithLabelValues(q.track.String(), head.kind.String()).Inc()
			q.cfg.Logger.Debug("dropping stale sink operation",
				slog.String("track", q.track.String()),
				slog.String("op", head.kind.String()),
				slog.Int("position", head.chunk.Position),
				slog.Uint64("session", head.session),
			)
			finish(head, ErrStale)
			continue
		}

		if head.kind == opBarrier {
			q.items = q.items[1:]
			finish(head, nil)
			continue
		}

		if !q.sink.Ready(q.track) {
			q.retryLocked(q.cfg.RetryDelay)
			return
		}

		q.items = q.items[1:]
		q.inFlight = true
		q.wg.Add(1)
		go q.submit(head)
		return
	}

	for _, ch := range q.idle {
		close(ch)
	}
	q.idle = nil
}

func (q *AppendQueue) retryLocked(delay time.Duration) {
	q.waiting = true
	q.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		q.waiting = false
		q.timer = nil
		q.drainLocked()
	})
}

func (q *AppendQueue) submit(req *appendRequest) {
	defer q.wg.Done()

	var err error
	switch req.kind {
	case opAppend:
		err = q.sink.Append(q.ctx, q.track, req.chunk)
	case opDiscard:
		err = q.sink.Discard(q.ctx, q.track, req.discard)
	}

	q.mu.Lock()
	q.inFlight = false

	if q.closed {
		q.mu.Unlock()
		finish(req, ErrClosed)
		return
	}

	if err == nil {
		if req.kind == opAppend {
			q.appended++
		}
		finish(req, nil)
		q.drainLocked()
		q.mu.Unlock()
		return
	}

	if q.ctx.Err() != nil {
		q.mu.Unlock()
		finish(req, ErrClosed)
		return
	}

	if sink.IsTransient(err) && req.retries < q.cfg.MaxRetries {
		req.retries++
		q.items = append([]*appendRequest{req}, q.items...)
		q.cfg.Logger.Warn("sink busy, retrying",
			slog.String("track", q.track.String()),
			slog.String("op", req.kind.String()),
			slog.Int("retry", req.retries),
			slog.Duration("delay", q.cfg.RetryDelay),
			slog.String("error", err.Error()),
		)
		q.retryLocked(q.cfg.RetryDelay)
		q.mu.Unlock()
		return
	}

	q.shutdownLocked()
	q.mu.Unlock()

	finish(req, err)
	q.cfg.OnFatal(fmt.Errorf("%s %s: %w", q.track, req.kind, err))
}

func finish(req *appendRequest, err error) {
	if req.done != nil {
		req.done <- err
	}
}
