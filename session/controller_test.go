package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finnox/lenscast/media"
)

// callRecorder captures the order of lifecycle calls across mocks.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *callRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type mockSource struct {
	rec    *callRecorder
	frames chan media.CaptureFrame
	states chan SourceState

	mu     sync.Mutex
	closed bool
}

func newMockSource(rec *callRecorder) *mockSource {
	return &mockSource{
		rec:    rec,
		frames: make(chan media.CaptureFrame, 16),
		states: make(chan SourceState, 4),
	}
}

func (s *mockSource) Frames() <-chan media.CaptureFrame { return s.frames }
func (s *mockSource) States() <-chan SourceState        { return s.states }

func (s *mockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.rec.add("source.close")
	}
	return nil
}

func (s *mockSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type mockTransport struct {
	rec      *callRecorder
	errs     chan error
	startErr error

	mu      sync.Mutex
	frames  int
	stopped bool
}

func newMockTransport(rec *callRecorder) *mockTransport {
	return &mockTransport{rec: rec, errs: make(chan error, 1)}
}

func (t *mockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()
	t.rec.add("transport.start")
	return t.startErr
}

func (t *mockTransport) HandleVideo(*media.RawVideoFrame) { t.handle() }
func (t *mockTransport) HandleAudio(media.AudioChunk)     { t.handle() }

func (t *mockTransport) handle() {
	t.mu.Lock()
	t.frames++
	t.mu.Unlock()
	t.rec.add("transport.frame")
}

func (t *mockTransport) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.rec.add("transport.stop")
}

func (t *mockTransport) Errors() <-chan error { return t.errs }

func (t *mockTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *mockTransport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func waitForState(t *testing.T, c *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.Status().State, want)
}

// startStreaming brings a controller up to the streaming state with a
// fresh mock source per cycle.
func startStreaming(t *testing.T, rec *callRecorder, transports []Transport) (*Controller, *mockSource, *atomic.Int32) {
	t.Helper()

	var opens atomic.Int32
	var mu sync.Mutex
	var current *mockSource
	open := func(ctx context.Context) (FrameSource, error) {
		opens.Add(1)
		src := newMockSource(rec)
		src.states <- SourceStarting
		src.states <- SourceStreaming
		mu.Lock()
		current = src
		mu.Unlock()
		return src, nil
	}

	c := NewController(open, transports, nil)
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateStreaming)

	mu.Lock()
	defer mu.Unlock()
	return c, current, &opens
}

func rawFrame() media.CaptureFrame {
	return media.CaptureFrame{
		Video: &media.RawVideoFrame{Width: 16, Height: 16, Buffer: make([]byte, media.YUVSize(16, 16))},
	}
}

func TestTeardownOrdering(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, src, _ := startStreaming(t, rec, []Transport{tr})

	src.frames <- rawFrame()
	src.frames <- rawFrame()
	deadline := time.Now().Add(time.Second)
	for tr.frameCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if tr.frameCount() < 2 {
		t.Fatal("frames not forwarded")
	}

	c.Stop()
	waitForState(t, c, StateStopped)

	calls := rec.list()
	stopIdx, closeIdx := -1, -1
	for i, call := range calls {
		switch call {
		case "transport.stop":
			if stopIdx == -1 {
				stopIdx = i
			}
		case "source.close":
			closeIdx = i
		case "transport.frame":
			if stopIdx != -1 {
				t.Errorf("frame delivered after transport stop (call %d)", i)
			}
		}
	}
	if stopIdx == -1 || closeIdx == -1 {
		t.Fatalf("missing teardown calls: %v", calls)
	}
	if stopIdx > closeIdx {
		t.Errorf("source closed before transport stopped: %v", calls)
	}
}

func TestCascadedStopOnSourceStopped(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, src, _ := startStreaming(t, rec, []Transport{tr})

	// Unsolicited device stop, no external Stop call.
	src.states <- SourceStopped

	waitForState(t, c, StateStopped)
	if !tr.isStopped() {
		t.Error("transport not stopped after source stopped")
	}
	if !src.isClosed() {
		t.Error("source not closed after cascade")
	}
}

func TestTransportErrorCascades(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, src, _ := startStreaming(t, rec, []Transport{tr})

	tr.errs <- errors.New("socket write failed")

	waitForState(t, c, StateError)
	if !tr.isStopped() {
		t.Error("transport not stopped on error path")
	}
	if !src.isClosed() {
		t.Error("source not closed on error path")
	}
	if c.Status().Err == nil {
		t.Error("status error not set")
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, _, _ := startStreaming(t, rec, []Transport{tr})

	c.Stop()
	c.Stop()
	waitForState(t, c, StateStopped)

	stops := 0
	for _, call := range rec.list() {
		if call == "transport.stop" {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("transport stopped %d times, want 1", stops)
	}
}

func TestStopFromIdleIsNoOp(t *testing.T) {
	t.Parallel()

	c := NewController(func(ctx context.Context) (FrameSource, error) {
		t.Error("source opened without start")
		return nil, errors.New("unexpected")
	}, nil, nil)
	t.Cleanup(c.Close)

	c.Stop()
	if got := c.Status().State; got != StateIdle {
		t.Errorf("state after idle stop = %q, want idle", got)
	}
}

func TestDoubleStartIgnored(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, _, opens := startStreaming(t, rec, []Transport{tr})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("source opened %d times, want 1", got)
	}
	if got := c.Status().State; got != StateStreaming {
		t.Errorf("state = %q, want streaming", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	c, _, opens := startStreaming(t, rec, []Transport{tr})

	c.Stop()
	waitForState(t, c, StateStopped)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForState(t, c, StateStreaming)
	if got := opens.Load(); got != 2 {
		t.Errorf("source opened %d times across restart, want 2", got)
	}
}

func TestSourceOpenFailure(t *testing.T) {
	t.Parallel()

	c := NewController(func(ctx context.Context) (FrameSource, error) {
		return nil, errors.New("device unavailable")
	}, nil, nil)
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if got := c.Status().State; got != StateError {
		t.Errorf("state = %q, want error", got)
	}
}

func TestTransportStartFailure(t *testing.T) {
	t.Parallel()

	rec := &callRecorder{}
	tr := newMockTransport(rec)
	tr.startErr = errors.New("gateway refused")

	var mu sync.Mutex
	var src *mockSource
	c := NewController(func(ctx context.Context) (FrameSource, error) {
		mu.Lock()
		defer mu.Unlock()
		src = newMockSource(rec)
		return src, nil
	}, []Transport{tr}, nil)
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if got := c.Status().State; got != StateError {
		t.Errorf("state = %q, want error", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if src == nil || !src.isClosed() {
		t.Error("source not closed after transport start failure")
	}
}
