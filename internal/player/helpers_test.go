package player

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/abrplay/internal/fetch"
	"github.com/jmylchreest/abrplay/internal/media"
	"github.com/jmylchreest/abrplay/internal/sink"
)

const segDur = 4 * time.Second

// testRep builds a representation of n contiguous four second segments.
func testRep(t *testing.T, track media.TrackType, id string, bandwidth int64, n int) *media.Representation {
	t.Helper()
	segs := make([]media.SegmentDescriptor, n)
	for i := range segs {
		segs[i] = media.SegmentDescriptor{
			Start:    time.Duration(i) * segDur,
			Duration: segDur,
			URL:      fmt.Sprintf("%s/%s/%d.m4s", track, id, i+1),
		}
	}
	m, err := media.NewSegmentMap(segs)
	require.NoError(t, err)
	return &media.Representation{
		ID:        id,
		Track:     track,
		Bandwidth: bandwidth,
		InitURL:   fmt.Sprintf("%s/%s/init.mp4", track, id),
		Segments:  m,
	}
}

func testManifest(reps ...*media.Representation) *media.Manifest {
	m := &media.Manifest{
		URL:             "test://manifest",
		Representations: make(map[media.TrackType][]*media.Representation),
	}
	for _, r := range reps {
		m.Representations[r.Track] = append(m.Representations[r.Track], r)
		if d := r.Segments.Duration(); d > m.Duration {
			m.Duration = d
		}
	}
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetBuffer = time.Minute
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FetchRetryDelay = time.Millisecond
	cfg.FetchRetryMaxDelay = 5 * time.Millisecond
	cfg.AppendRetryDelay = time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

// fakeFetcher serves zero-filled payloads and reports a fixed elapsed time.
type fakeFetcher struct {
	size    int
	elapsed time.Duration

	mu       sync.Mutex
	calls    []string
	missing  map[string]bool
	failures map[string]int
	hold     map[string]chan struct{}
}

func newFakeFetcher(size int, elapsed time.Duration) *fakeFetcher {
	return &fakeFetcher{
		size:     size,
		elapsed:  elapsed,
		missing:  make(map[string]bool),
		failures: make(map[string]int),
		hold:     make(map[string]chan struct{}),
	}
}

// fail makes the next n fetches of url return a server error; n < 0 fails forever.
func (f *fakeFetcher) fail(url string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = n
}

func (f *fakeFetcher) remove(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[url] = true
}

// block makes fetches of url wait until the returned func is called.
func (f *fakeFetcher) block(url string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold[url] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (fetch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	hold := f.hold[url]
	missing := f.missing[url]
	failing := false
	if n := f.failures[url]; n != 0 {
		failing = true
		if n > 0 {
			f.failures[url] = n - 1
		}
	}
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return fetch.Result{}, &fetch.Error{Kind: fetch.KindNetwork, URL: url, Err: ctx.Err()}
		}
	}
	if missing {
		return fetch.Result{}, &fetch.Error{Kind: fetch.KindNotFound, Status: 404, URL: url}
	}
	if failing {
		return fetch.Result{}, &fetch.Error{Kind: fetch.KindServer, Status: 503, URL: url}
	}
	return fetch.Result{URL: url, Data: make([]byte, f.size), Elapsed: f.elapsed}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFetcher) CallCount(url string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == url {
			n++
		}
	}
	return n
}

// recordingSink records operations and the peak number running at once.
type recordingSink struct {
	delay time.Duration

	active    atomic.Int32
	maxActive atomic.Int32

	mu        sync.Mutex
	hold      chan struct{}
	notReady  bool
	errs      []error
	positions []int
	discards  []media.TimeRange
}

func (s *recordingSink) enter() func() {
	n := s.active.Add(1)
	for {
		peak := s.maxActive.Load()
		if n <= peak || s.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { s.active.Add(-1) }
}

func (s *recordingSink) wait(ctx context.Context) error {
	s.mu.Lock()
	hold := s.hold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return nil
}

func (s *recordingSink) nextErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *recordingSink) Append(ctx context.Context, _ media.TrackType, chunk sink.Chunk) error {
	defer s.enter()()
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.nextErr(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, chunk.Position)
	return nil
}

func (s *recordingSink) Discard(ctx context.Context, _ media.TrackType, r media.TimeRange) error {
	defer s.enter()()
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.nextErr(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discards = append(s.discards, r)
	return nil
}

func (s *recordingSink) Buffered(media.TrackType) media.TimeRanges { return nil }

func (s *recordingSink) Ready(media.TrackType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.notReady
}

func (s *recordingSink) EndOfStream() error { return nil }

func (s *recordingSink) setReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notReady = !ready
}

func (s *recordingSink) Positions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.positions...)
}

func (s *recordingSink) Discards() []media.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.TimeRange(nil), s.discards...)
}

func waitClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func chunkAt(pos int) sink.Chunk {
	start := time.Duration(pos-1) * segDur
	return sink.Chunk{
		Data:           []byte{byte(pos)},
		Representation: "v1",
		Position:       pos,
		Range:          media.TimeRange{Start: start, End: start + segDur},
	}
}
