package rtmp

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notedit/rtmp-lib/av"
)

type stubEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
	final  []AccessUnit
	sps    []byte
	pps    []byte
}

func newStubEncoder() *stubEncoder {
	return &stubEncoder{sps: buildTestSPS(640, 480), pps: testPPS}
}

func (e *stubEncoder) Encode(frame []byte, ptsUS int64) ([]AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return []AccessUnit{{
		NALUs:      [][]byte{{0x65, 0x88, byte(e.frames)}},
		IsKeyframe: e.frames == 1,
		PTSUS:      ptsUS,
		SPS:        e.sps,
		PPS:        e.pps,
	}}, nil
}

func (e *stubEncoder) Close() ([]AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	final := e.final
	e.final = nil
	return final, nil
}

func (e *stubEncoder) closedNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type stubMuxer struct {
	mu      sync.Mutex
	headers int
	packets []av.Packet
	closed  bool
}

func (m *stubMuxer) WriteHeader(streams []av.CodecData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers++
	return nil
}

func (m *stubMuxer) WritePacket(pkt av.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkt)
	return nil
}

func (m *stubMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *stubMuxer) packetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testSession(t *testing.T, enc *stubEncoder, mux *stubMuxer) (*Session, *atomic.Int32, *atomic.Int64) {
	t.Helper()

	var dials atomic.Int32
	var dims atomic.Int64

	s := NewSession(Config{URL: "rtmp://ingest.example/live/key", Bitrate: 2_000_000, FPS: 24}, nil)
	s.SetEncoderFactory(func(width, height, fps, bitrate int) (VideoEncoder, error) {
		dims.Store(int64(width)<<32 | int64(height))
		return enc, nil
	})
	s.SetDialer(func(url string) (Muxer, error) {
		dials.Add(1)
		return mux, nil
	})
	t.Cleanup(s.Stop)
	return s, &dials, &dims
}

func TestConnectOnlyAfterFirstFrame(t *testing.T) {
	t.Parallel()

	enc := newStubEncoder()
	mux := &stubMuxer{}
	s, dials, dims := testSession(t, enc, mux)

	if got := s.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}
	time.Sleep(50 * time.Millisecond)
	if dials.Load() != 0 {
		t.Fatal("connected before any frame was fed")
	}

	frame := make([]byte, 640*480*3/2)
	s.FeedFrame(frame, 640, 480, 0)

	waitFor(t, time.Second, "connection", func() bool { return s.State() == StateStreaming })
	if dials.Load() != 1 {
		t.Errorf("dial count = %d, want 1", dials.Load())
	}
	if w, h := dims.Load()>>32, dims.Load()&0xFFFFFFFF; w != 640 || h != 480 {
		t.Errorf("encoder dimensions = %dx%d, want 640x480", w, h)
	}

	// Further frames reuse the established connection.
	s.FeedFrame(frame, 640, 480, 41708)
	waitFor(t, time.Second, "second packet", func() bool { return mux.packetCount() >= 2 })
	if dials.Load() != 1 {
		t.Errorf("dial count after more frames = %d, want 1", dials.Load())
	}
}

func TestHeaderWrittenOncePacketsTimed(t *testing.T) {
	t.Parallel()

	enc := newStubEncoder()
	mux := &stubMuxer{}
	s, _, _ := testSession(t, enc, mux)

	frame := make([]byte, 64)
	pts := []int64{0, 41708, 83416}
	for _, p := range pts {
		s.FeedFrame(frame, 640, 480, p)
	}

	waitFor(t, time.Second, "all packets", func() bool { return mux.packetCount() >= len(pts) })

	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.headers != 1 {
		t.Errorf("headers written = %d, want 1", mux.headers)
	}
	if !mux.packets[0].IsKeyFrame {
		t.Error("first packet should be a keyframe")
	}
	if mux.packets[0].Time != 0 {
		t.Errorf("first packet time = %v, want 0", mux.packets[0].Time)
	}
	if want := time.Duration(pts[1]) * time.Microsecond; mux.packets[1].Time != want {
		t.Errorf("second packet time = %v, want %v", mux.packets[1].Time, want)
	}
}

func TestFeedFrameNeverBlocks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := NewSession(Config{URL: "rtmp://ingest.example/live/key"}, nil)
	s.SetEncoderFactory(func(width, height, fps, bitrate int) (VideoEncoder, error) {
		return newStubEncoder(), nil
	})
	s.SetDialer(func(url string) (Muxer, error) {
		<-release
		return nil, errors.New("connection refused")
	})
	t.Cleanup(func() {
		close(release)
		s.Stop()
	})

	frame := make([]byte, 64)
	start := time.Now()
	for i := 0; i < 100; i++ {
		s.FeedFrame(frame, 320, 240, int64(i))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("feeding 100 frames while connecting took %v", elapsed)
	}
	if got := s.State(); got != StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}
}

func TestDialFailureReportsError(t *testing.T) {
	t.Parallel()

	s := NewSession(Config{URL: "rtmp://ingest.example/live/key"}, nil)
	s.SetEncoderFactory(func(width, height, fps, bitrate int) (VideoEncoder, error) {
		return newStubEncoder(), nil
	})
	s.SetDialer(func(url string) (Muxer, error) {
		return nil, errors.New("connection refused")
	})
	t.Cleanup(s.Stop)

	s.FeedFrame(make([]byte, 64), 320, 240, 0)

	select {
	case err := <-s.Errors():
		if err == nil {
			t.Fatal("nil error reported")
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported after dial failure")
	}
	if got := s.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}

	// Feeding after failure is a silent drop, not a reconnect.
	s.FeedFrame(make([]byte, 64), 320, 240, 1)
}

func TestStopFlushesAndClosesConnection(t *testing.T) {
	t.Parallel()

	enc := newStubEncoder()
	enc.final = []AccessUnit{{NALUs: [][]byte{{0x41, 0x01}}, PTSUS: 125124, SPS: enc.sps, PPS: enc.pps}}
	mux := &stubMuxer{}
	s, _, _ := testSession(t, enc, mux)

	s.FeedFrame(make([]byte, 64), 640, 480, 0)
	waitFor(t, time.Second, "first packet", func() bool { return mux.packetCount() >= 1 })

	s.Stop()

	mux.mu.Lock()
	defer mux.mu.Unlock()
	if !mux.closed {
		t.Error("muxer not closed on stop")
	}
	if len(mux.packets) != 2 {
		t.Errorf("packets after flush = %d, want 2", len(mux.packets))
	}
	if !enc.closedNow() {
		t.Error("encoder not closed on stop")
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state after stop = %v, want idle", got)
	}
	if stats := s.Stats(); stats != (StreamingStats{}) {
		t.Errorf("stats after stop = %+v, want zero", stats)
	}
}

func TestStopWithoutFramesIsImmediate(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	s := NewSession(Config{URL: "rtmp://ingest.example/live/key"}, nil)
	s.SetDialer(func(url string) (Muxer, error) {
		dials.Add(1)
		return &stubMuxer{}, nil
	})

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("stop without frames took %v", elapsed)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}

	// A frame fed after stop must not trigger a connection.
	s.FeedFrame(make([]byte, 64), 320, 240, 0)
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != 0 {
		t.Errorf("dial count after stop = %d, want 0", dials.Load())
	}
}

func TestStreamInfoFromNegotiatedSPS(t *testing.T) {
	t.Parallel()

	enc := newStubEncoder()
	mux := &stubMuxer{}
	s, _, _ := testSession(t, enc, mux)

	if _, ok := s.StreamInfo(); ok {
		t.Fatal("stream info set before any frame")
	}

	s.FeedFrame(make([]byte, 64), 640, 480, 0)
	waitFor(t, time.Second, "first packet", func() bool { return mux.packetCount() >= 1 })

	info, ok := s.StreamInfo()
	if !ok {
		t.Fatal("stream info not set after header written")
	}
	if info.Width != 640 || info.Height != 480 {
		t.Errorf("negotiated dimensions = %dx%d, want 640x480", info.Width, info.Height)
	}
	if want := "avc1.42C01E"; info.Codec != want {
		t.Errorf("codec = %q, want %q", info.Codec, want)
	}

	s.Stop()
	if _, ok := s.StreamInfo(); ok {
		t.Error("stream info retained after stop")
	}
}

func TestStopConcurrentWithFirstFrame(t *testing.T) {
	t.Parallel()

	for i := 0; i < 25; i++ {
		enc := newStubEncoder()
		mux := &stubMuxer{}
		s, dials, _ := testSession(t, enc, mux)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.FeedFrame(make([]byte, 64), 320, 240, 0)
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
		wg.Wait()

		// Either the stop won and nothing ever connects, or the launch won
		// and the stop waited for the full teardown.
		got := dials.Load()
		if got > 1 {
			t.Fatalf("iteration %d: dial count = %d, want at most 1", i, got)
		}
		if got == 1 {
			mux.mu.Lock()
			closed := mux.closed
			mux.mu.Unlock()
			if !closed {
				t.Fatalf("iteration %d: connection not closed after stop", i)
			}
		}
		time.Sleep(time.Millisecond)
		if dials.Load() != got {
			t.Fatalf("iteration %d: connect attempt after stop returned", i)
		}
	}
}

func TestStatsRecorder(t *testing.T) {
	t.Parallel()

	var r statsRecorder
	r.markConnected()
	r.recordFrame(1000)
	r.recordFrame(2000)
	r.recordFrame(500)
	r.recompute()

	snap := r.Snapshot()
	if snap.FramesSent != 3 {
		t.Errorf("FramesSent = %d, want 3", snap.FramesSent)
	}
	if snap.BytesSent != 3500 {
		t.Errorf("BytesSent = %d, want 3500", snap.BytesSent)
	}
	if snap.ConnectionTime <= 0 {
		t.Errorf("ConnectionTime = %v, want > 0", snap.ConnectionTime)
	}

	r.reset()
	if got := r.Snapshot(); got != (StreamingStats{}) {
		t.Errorf("stats after reset = %+v, want zero", got)
	}
}
