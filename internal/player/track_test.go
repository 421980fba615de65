package player

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/clock"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

type trackHarness struct {
	p     *Player
	tr    *track
	mem   *sink.Memory
	fetch *fakeFetcher
	clock *clock.Manual
	ctx   context.Context
}

// newTrackHarness builds a running player without starting its loops so a
// test can drive one track's handlers directly.
func newTrackHarness(t *testing.T, cfg Config, reps ...*media.Representation) *trackHarness {
	t.Helper()
	return newTrackHarnessWithSink(t, cfg, sink.MemoryConfig{}, reps...)
}

func newTrackHarnessWithSink(t *testing.T, cfg Config, memCfg sink.MemoryConfig, reps ...*media.Representation) *trackHarness {
	t.Helper()
	h := &trackHarness{
		mem:   sink.NewMemory(memCfg),
		fetch: newFakeFetcher(1000, 10*time.Millisecond),
		clock: &clock.Manual{},
	}
	p, err := New(testManifest(reps...), h.fetch, h.mem, h.clock, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	p.cancel = cancel
	p.state = StateRunning
	tr := p.tracks[0]
	tr.queue = NewAppendQueue(ctx, tr.kind, h.mem, &p.token, AppendQueueConfig{
		RetryDelay: time.Millisecond,
		Logger:     tr.logger,
		OnFatal:    p.fail,
	})
	t.Cleanup(func() {
		cancel()
		p.fetches.Wait()
		tr.queue.Close()
		p.bg.Wait()
	})

	h.p, h.tr, h.ctx = p, tr, ctx
	return h
}

func (h *trackHarness) activate(rep *media.Representation, cursor int) {
	h.tr.active = rep
	h.tr.current.Store(rep)
	h.tr.cursor = cursor
}

func segmentChunk(t *testing.T, rep *media.Representation, pos int) sink.Chunk {
	t.Helper()
	desc, ok := rep.Segments.At(pos)
	require.True(t, ok)
	return sink.Chunk{
		Data:           []byte{1},
		Representation: rep.ID,
		Position:       pos,
		Range:          media.TimeRange{Start: desc.Start, End: desc.End()},
	}
}

// buffer appends segments straight into the sink.
func (h *trackHarness) buffer(t *testing.T, rep *media.Representation, positions ...int) {
	t.Helper()
	for _, pos := range positions {
		require.NoError(t, h.mem.Append(context.Background(), rep.Track, segmentChunk(t, rep, pos)))
	}
}

// queue enqueues segments under the track's current session without
// waiting for the sink.
func (h *trackHarness) queue(t *testing.T, rep *media.Representation, positions ...int) {
	t.Helper()
	for _, pos := range positions {
		h.tr.queue.Enqueue(segmentChunk(t, rep, pos), h.tr.session)
	}
}

// fill runs the scheduler until the track is exhausted, delivering each
// fetch and letting the sink catch up between steps.
func (h *trackHarness) fill(t *testing.T) {
	t.Helper()
	for range 50 {
		if h.tr.exhausted {
			return
		}
		h.tr.step(h.ctx)
		if h.tr.fetching {
			h.settle(t)
		}
		waitClosed(t, h.tr.queue.Idle())
	}
	t.Fatal("track never exhausted")
}

// settle delivers the pending fetch result to the track.
func (h *trackHarness) settle(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.tr.results:
		h.tr.handleResult(h.ctx, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch result")
	}
}

func TestStep_NoActionAtWatermark(t *testing.T) {
	cfg := testConfig()
	cfg.TargetBuffer = 10 * time.Second
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, cfg, rep)
	h.activate(rep, 4)
	h.buffer(t, rep, 1, 2, 3)

	for range 3 {
		h.tr.step(h.ctx)
	}

	assert.Empty(t, h.fetch.Calls())
	assert.Equal(t, 4, h.tr.cursor)
	assert.False(t, h.tr.fetching)
	assert.Nil(t, h.tr.switching)
	assert.False(t, h.tr.exhausted)
	assert.Equal(t, uint64(0), h.p.Session())
}

func TestStep_FetchesBelowWatermark(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 1)

	h.tr.step(h.ctx)
	assert.True(t, h.tr.fetching)
	h.settle(t)

	assert.Equal(t, 2, h.tr.cursor)
	assert.Equal(t, []string{"video/v1/1.m4s"}, h.fetch.Calls())
	assert.True(t, h.p.estimator.Estimate().Valid)
	waitClosed(t, h.tr.queue.Idle())
	assert.Equal(t, []int{1}, h.mem.Info(media.TrackVideo).Positions)
}

func TestStep_SkipsBufferedSegments(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 1)
	h.buffer(t, rep, 1, 2)

	h.tr.step(h.ctx)

	assert.Equal(t, 3, h.tr.cursor)
	h.settle(t)
	assert.Equal(t, []string{"video/v1/3.m4s"}, h.fetch.Calls())
	assert.Equal(t, 4, h.tr.cursor)
}

func TestStep_ExhaustedAtEndOfMap(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 2)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 3)

	h.tr.step(h.ctx)

	assert.True(t, h.tr.exhausted)
	assert.Empty(t, h.fetch.Calls())
	assert.Eventually(t, func() bool { return h.mem.Ended() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateEnded, h.p.State())
}

func TestStep_NotFoundEndsTrack(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 6)
	h := newTrackHarness(t, testConfig(), rep)
	h.fetch.remove("video/v1/4.m4s")
	h.activate(rep, 4)

	h.tr.step(h.ctx)
	h.settle(t)

	assert.True(t, h.tr.exhausted)
	assert.Equal(t, 4, h.tr.cursor)
	assert.Eventually(t, func() bool { return h.mem.Ended() == 1 }, time.Second, 5*time.Millisecond)

	h.tr.step(h.ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.fetch.CallCount("video/v1/4.m4s"))
	assert.Equal(t, 1, h.mem.Ended())
	assert.NoError(t, h.p.Err())
}

func TestStep_RetriesSamePositionAfterFailure(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.fetch.fail("video/v1/3.m4s", 1)
	h.activate(rep, 3)

	h.tr.step(h.ctx)
	h.settle(t)
	assert.Equal(t, 3, h.tr.cursor)
	assert.Equal(t, 1, h.tr.attempts)
	assert.False(t, h.tr.fetching)

	h.tr.step(h.ctx)
	h.settle(t)
	assert.Equal(t, 4, h.tr.cursor)
	assert.Zero(t, h.tr.attempts)
	assert.Equal(t, 2, h.fetch.CallCount("video/v1/3.m4s"))
}

func TestStep_StallsAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFetchAttempts = 2
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, cfg, rep)
	h.fetch.fail("video/v1/1.m4s", -1)
	h.activate(rep, 1)

	h.tr.step(h.ctx)
	h.settle(t)
	require.NoError(t, h.p.Err())

	h.tr.step(h.ctx)
	h.settle(t)
	assert.ErrorIs(t, h.p.Err(), ErrStalled)
	assert.Equal(t, StateError, h.p.State())
}

func TestStep_DiscardsStaleFetchResult(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 2)

	h.tr.step(h.ctx)
	h.p.token.Advance()
	h.settle(t)

	assert.Equal(t, 2, h.tr.cursor)
	assert.Zero(t, h.tr.queue.Depth())
	waitClosed(t, h.tr.queue.Idle())
	assert.Empty(t, h.mem.Info(media.TrackVideo).Positions)
	assert.False(t, h.p.estimator.Estimate().Valid)

	// The loop does nothing until it has moved onto the new session.
	h.tr.step(h.ctx)
	assert.Len(t, h.fetch.Calls(), 1)
}

func TestSeek_UnbufferedTargetFlushes(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 3)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 1)
	h.buffer(t, rep, 1)

	h.p.token.Advance()
	reply := make(chan error, 1)
	h.tr.handleSeek(seekCommand{at: 9 * time.Second, reply: reply})
	require.NotNil(t, h.tr.seek)
	assert.True(t, h.tr.seek.flush)

	h.tr.completeSeek(recvErr(t, h.tr.seek.wait))

	require.NoError(t, recvErr(t, reply))
	assert.Equal(t, 3, h.tr.cursor)
	info := h.mem.Info(media.TrackVideo)
	assert.Equal(t, 1, info.Discards)
	assert.Empty(t, info.Buffered)
}

func TestSeek_BufferedTargetKeepsData(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 4)
	h.buffer(t, rep, 1, 2, 3)

	h.p.token.Advance()
	reply := make(chan error, 1)
	h.tr.handleSeek(seekCommand{at: 5 * time.Second, reply: reply})
	require.NotNil(t, h.tr.seek)
	assert.False(t, h.tr.seek.flush)

	h.tr.completeSeek(recvErr(t, h.tr.seek.wait))

	require.NoError(t, recvErr(t, reply))
	assert.Equal(t, 2, h.tr.cursor)
	info := h.mem.Info(media.TrackVideo)
	assert.Zero(t, info.Discards)
	assert.Equal(t, []int{1, 2, 3}, info.Positions)
}

func TestSeek_NewerSeekSupersedesPending(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 5)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 1)

	h.p.token.Advance()
	first := make(chan error, 1)
	h.tr.handleSeek(seekCommand{at: 9 * time.Second, reply: first})

	h.p.token.Advance()
	second := make(chan error, 1)
	h.tr.handleSeek(seekCommand{at: 13 * time.Second, reply: second})

	assert.ErrorIs(t, recvErr(t, first), ErrSeekSuperseded)
	h.tr.completeSeek(recvErr(t, h.tr.seek.wait))
	require.NoError(t, recvErr(t, second))
	assert.Equal(t, 4, h.tr.cursor)
}

func TestSeek_ClearsExhaustion(t *testing.T) {
	rep := testRep(t, media.TrackVideo, "v1", 500_000, 2)
	h := newTrackHarness(t, testConfig(), rep)
	h.activate(rep, 3)
	h.tr.step(h.ctx)
	require.True(t, h.tr.exhausted)

	h.p.token.Advance()
	reply := make(chan error, 1)
	h.tr.handleSeek(seekCommand{at: time.Second, reply: reply})
	h.tr.completeSeek(recvErr(t, h.tr.seek.wait))

	require.NoError(t, recvErr(t, reply))
	assert.False(t, h.tr.exhausted)
	assert.Equal(t, 1, h.tr.cursor)
}

func TestSwitch_LocatesPlaybackPosition(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, testConfig(), low, high)
	h.activate(low, 4)
	h.clock.Seek(9 * time.Second)

	h.tr.switching = high
	h.tr.completeSwitch(high, []byte{0})

	assert.Same(t, high, h.tr.active)
	assert.Same(t, high, h.tr.current.Load())
	assert.Nil(t, h.tr.switching)
	assert.Equal(t, 3, h.tr.cursor)
	assert.Equal(t, int64(1), h.tr.switches)
	waitClosed(t, h.tr.queue.Idle())
	assert.Equal(t, "high", h.mem.Info(media.TrackVideo).Init)
}

func TestSwitch_AbortsWhenTargetDoesNotCoverPosition(t *testing.T) {
	long := testRep(t, media.TrackVideo, "long", 500_000, 5)
	short := testRep(t, media.TrackVideo, "short", 2_500_000, 2)
	h := newTrackHarness(t, testConfig(), long, short)
	h.activate(long, 4)
	h.clock.Seek(12 * time.Second)

	h.tr.switching = short
	h.tr.completeSwitch(short, []byte{0})

	assert.Same(t, long, h.tr.active)
	assert.Equal(t, 4, h.tr.cursor)
	assert.Nil(t, h.tr.switching)
	assert.True(t, h.tr.rejected["short"])
	waitClosed(t, h.tr.queue.Idle())
	assert.Empty(t, h.mem.Info(media.TrackVideo).Init)
}

func TestSwitch_OpensNewSession(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, testConfig(), low, high)
	h.activate(low, 2)

	h.tr.beginSwitch(h.ctx, high)

	assert.Equal(t, uint64(1), h.p.Session())
	assert.Equal(t, uint64(1), h.tr.session)
	assert.Same(t, high, h.tr.switching)
	h.settle(t)
	assert.Same(t, high, h.tr.active)
	assert.Equal(t, []string{"video/high/init.mp4"}, h.fetch.Calls())
}

func TestSwitch_FlushBeforeInit(t *testing.T) {
	cfg := testConfig()
	cfg.SwitchFlush = FlushBeforeInit
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, cfg, low, high)
	h.activate(low, 6)
	h.buffer(t, low, 1, 2, 3, 4, 5)
	h.clock.Seek(5 * time.Second)

	release := h.fetch.block("video/high/init.mp4")
	h.tr.beginSwitch(h.ctx, high)
	waitClosed(t, h.tr.queue.Idle())

	// Only the segment being played survives.
	assert.Equal(t, media.TimeRanges{{Start: 0, End: 8 * time.Second}}, h.mem.Buffered(media.TrackVideo))
	release()
	h.settle(t)
	assert.Same(t, high, h.tr.active)
	assert.Equal(t, 2, h.tr.cursor)
}

func TestSwitch_FlushNoneKeepsBuffer(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, testConfig(), low, high)
	h.activate(low, 4)
	h.buffer(t, low, 1, 2, 3)

	h.tr.beginSwitch(h.ctx, high)
	h.settle(t)
	waitClosed(t, h.tr.queue.Idle())

	assert.Equal(t, media.TimeRanges{{Start: 0, End: 12 * time.Second}}, h.mem.Buffered(media.TrackVideo))
	assert.Zero(t, h.mem.Info(media.TrackVideo).Discards)
}

func TestSwitch_InitNotFoundRejectsRepresentation(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, testConfig(), low, high)
	h.fetch.remove("video/high/init.mp4")
	h.activate(low, 2)

	h.tr.beginSwitch(h.ctx, high)
	h.settle(t)

	assert.Same(t, low, h.tr.active)
	assert.Nil(t, h.tr.switching)
	assert.True(t, h.tr.rejected["high"])
	assert.NoError(t, h.p.Err())
}

func TestSwitch_InitNotFoundRefillsDroppedAppends(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarnessWithSink(t, testConfig(), sink.MemoryConfig{AppendLatency: 20 * time.Millisecond}, low, high)
	h.fetch.remove("video/high/init.mp4")
	h.activate(low, 4)
	h.queue(t, low, 1, 2, 3)

	// The switch session drops whatever the sink has not taken yet.
	h.tr.beginSwitch(h.ctx, high)
	h.settle(t)
	waitClosed(t, h.tr.queue.Idle())

	assert.Same(t, low, h.tr.active)
	assert.True(t, h.tr.rejected["high"])
	assert.Equal(t, 1, h.tr.cursor, "cursor returns to the playhead")

	h.fill(t)
	info := h.mem.Info(media.TrackVideo)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, info.Positions)
	assert.Equal(t, media.TimeRanges{{Start: 0, End: 20 * time.Second}}, info.Buffered)
}

func TestSwitch_AbortRefillsDroppedAppends(t *testing.T) {
	long := testRep(t, media.TrackVideo, "long", 500_000, 5)
	short := testRep(t, media.TrackVideo, "short", 2_500_000, 2)
	h := newTrackHarnessWithSink(t, testConfig(), sink.MemoryConfig{AppendLatency: 20 * time.Millisecond}, long, short)
	h.activate(long, 5)
	h.clock.Seek(9 * time.Second)
	h.queue(t, long, 3, 4)

	h.tr.beginSwitch(h.ctx, short)
	h.settle(t)
	waitClosed(t, h.tr.queue.Idle())

	assert.Same(t, long, h.tr.active)
	assert.True(t, h.tr.rejected["short"])
	assert.Equal(t, 3, h.tr.cursor)

	h.fill(t)
	info := h.mem.Info(media.TrackVideo)
	assert.Equal(t, []int{3, 4, 5}, info.Positions)
	assert.Equal(t, media.TimeRanges{{Start: 8 * time.Second, End: 20 * time.Second}}, info.Buffered)
}

func TestChoose(t *testing.T) {
	low := testRep(t, media.TrackVideo, "low", 500_000, 5)
	high := testRep(t, media.TrackVideo, "high", 2_500_000, 5)
	h := newTrackHarness(t, testConfig(), low, high)

	assert.Same(t, low, h.tr.choose(), "no estimate starts at the bottom")

	for range 5 {
		h.p.estimator.AddSample(500_000, time.Second) // 4 Mbps
	}
	assert.Same(t, high, h.tr.choose())

	h.tr.rejected["high"] = true
	assert.Same(t, low, h.tr.choose(), "rejected representations are skipped")

	h.tr.pinned = "high"
	assert.Same(t, high, h.tr.choose(), "a pin overrides selection")
}
