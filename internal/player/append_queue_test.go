package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

func newTestQueue(t *testing.T, s sink.Sink, token *SessionToken, onFatal func(error)) *AppendQueue {
	t.Helper()
	q := NewAppendQueue(context.Background(), media.TrackVideo, s, token, AppendQueueConfig{
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
		OnFatal:    onFatal,
	})
	t.Cleanup(q.Close)
	return q
}

func TestAppendQueue_SingleFlight(t *testing.T) {
	s := &recordingSink{delay: time.Millisecond}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(chunkAt(i), token.Current())
		}()
	}
	wg.Wait()
	waitClosed(t, q.Idle())

	assert.Equal(t, int32(1), s.maxActive.Load())
	assert.Len(t, s.Positions(), 40)
	assert.Equal(t, int64(40), q.Appended())
}

func TestAppendQueue_PreservesOrder(t *testing.T) {
	s := &recordingSink{}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	want := make([]int, 0, 20)
	for i := 1; i <= 20; i++ {
		q.Enqueue(chunkAt(i), 0)
		want = append(want, i)
	}
	waitClosed(t, q.Idle())

	assert.Equal(t, want, s.Positions())
}

func TestAppendQueue_DropsStaleOperations(t *testing.T) {
	s := &recordingSink{hold: make(chan struct{})}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	q.Enqueue(chunkAt(1), 0)
	q.Enqueue(chunkAt(2), 0)
	q.Enqueue(chunkAt(3), 0)
	discard := q.Discard(media.Everything, 0)

	session := token.Advance()
	q.Enqueue(chunkAt(7), session)
	close(s.hold)
	waitClosed(t, q.Idle())

	// The first append was already in flight and completes; everything
	// else queued under the old session is dropped.
	assert.Equal(t, []int{1, 7}, s.Positions())
	assert.Empty(t, s.Discards())
	assert.ErrorIs(t, recvErr(t, discard), ErrStale)
	assert.Equal(t, int64(3), q.Dropped())
}

func TestAppendQueue_PendingDurationCountsCurrentSession(t *testing.T) {
	s := &recordingSink{hold: make(chan struct{})}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	q.Enqueue(chunkAt(1), 0) // in flight
	q.Enqueue(chunkAt(2), 0)
	q.Enqueue(chunkAt(3), 0)
	assert.Equal(t, 2*segDur, q.PendingDuration())
	assert.Equal(t, 2, q.Depth())

	token.Advance()
	assert.Zero(t, q.PendingDuration())
	close(s.hold)
}

func TestAppendQueue_BarrierWaitsForInFlight(t *testing.T) {
	s := &recordingSink{hold: make(chan struct{})}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	q.Enqueue(chunkAt(1), 0)
	barrier := q.Barrier(0)

	select {
	case <-barrier:
		t.Fatal("barrier completed before the in-flight append")
	case <-time.After(20 * time.Millisecond):
	}

	close(s.hold)
	require.NoError(t, recvErr(t, barrier))
	assert.Equal(t, []int{1}, s.Positions())
}

func TestAppendQueue_DiscardCompletes(t *testing.T) {
	s := &recordingSink{}
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	q.Enqueue(chunkAt(1), 0)
	done := q.Discard(media.TimeRange{Start: 0, End: segDur}, 0)

	require.NoError(t, recvErr(t, done))
	assert.Equal(t, []media.TimeRange{{Start: 0, End: segDur}}, s.Discards())
}

func TestAppendQueue_WaitsForReadySink(t *testing.T) {
	s := &recordingSink{}
	s.setReady(false)
	var token SessionToken
	q := newTestQueue(t, s, &token, nil)

	q.Enqueue(chunkAt(1), 0)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Positions())

	s.setReady(true)
	waitClosed(t, q.Idle())
	assert.Equal(t, []int{1}, s.Positions())
}

func TestAppendQueue_RetriesTransientFailures(t *testing.T) {
	s := &recordingSink{errs: []error{sink.ErrBusy, sink.ErrQuotaExceeded}}
	var token SessionToken
	var fatal error
	q := newTestQueue(t, s, &token, func(err error) { fatal = err })

	q.Enqueue(chunkAt(1), 0)
	q.Enqueue(chunkAt(2), 0)
	waitClosed(t, q.Idle())

	assert.Equal(t, []int{1, 2}, s.Positions())
	assert.NoError(t, fatal)
}

func TestAppendQueue_TransientRetriesExhausted(t *testing.T) {
	s := &recordingSink{errs: []error{sink.ErrBusy, sink.ErrBusy, sink.ErrBusy, sink.ErrBusy}}
	var token SessionToken
	fatal := make(chan error, 1)
	q := newTestQueue(t, s, &token, func(err error) { fatal <- err })

	q.Enqueue(chunkAt(1), 0)

	err := recvErr(t, fatal)
	assert.ErrorIs(t, err, sink.ErrBusy)
	assert.Empty(t, s.Positions())
}

func TestAppendQueue_TerminalFailureStopsQueue(t *testing.T) {
	s := &recordingSink{errs: []error{sink.ErrClosed}}
	var token SessionToken
	fatal := make(chan error, 1)
	q := newTestQueue(t, s, &token, func(err error) { fatal <- err })

	q.Enqueue(chunkAt(1), 0)
	q.Enqueue(chunkAt(2), 0)

	err := recvErr(t, fatal)
	assert.True(t, errors.Is(err, sink.ErrTerminal))
	assert.ErrorIs(t, recvErr(t, q.Discard(media.Everything, 0)), ErrClosed)
	assert.Empty(t, s.Positions())
}

func TestAppendQueue_CloseFailsPending(t *testing.T) {
	s := &recordingSink{hold: make(chan struct{})}
	var token SessionToken
	q := NewAppendQueue(context.Background(), media.TrackVideo, s, &token, AppendQueueConfig{})

	q.Enqueue(chunkAt(1), 0)
	pending := q.Barrier(0)
	q.Close()

	assert.ErrorIs(t, recvErr(t, pending), ErrClosed)
	waitClosed(t, q.Idle())
}
