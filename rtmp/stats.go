package rtmp

import (
	"sync"
	"sync/atomic"
	"time"
)

// fpsWindowSpan is the sliding window used to compute the outgoing frame
// rate. Two seconds smooths encoder burstiness without hiding stalls.
const fpsWindowSpan = 2 * time.Second

// StreamingStats is a point-in-time view of an RTMP session's push metrics,
// recomputed once per second while streaming and zeroed on every stop.
type StreamingStats struct {
	FramesSent     int64
	BytesSent      int64
	FPS            float64
	ConnectionTime time.Duration
}

// statsRecorder accumulates push telemetry with atomic counters plus a
// mutex-guarded fps sliding window, and caches a snapshot for cheap reads.
type statsRecorder struct {
	framesSent  atomic.Int64
	bytesSent   atomic.Int64
	connectedAt atomic.Int64 // UnixNano; 0 while disconnected

	fpsMu     sync.Mutex
	fpsWindow []time.Time

	snapMu   sync.RWMutex
	snapshot StreamingStats
}

// markConnected records the connection start time for ConnectionTime.
func (r *statsRecorder) markConnected() {
	r.connectedAt.Store(time.Now().UnixNano())
}

// recordFrame counts one pushed frame of the given size.
func (r *statsRecorder) recordFrame(bytes int64) {
	r.framesSent.Add(1)
	r.bytesSent.Add(bytes)

	now := time.Now()
	r.fpsMu.Lock()
	r.fpsWindow = append(r.fpsWindow, now)
	cutoff := now.Add(-fpsWindowSpan)
	i := 0
	for i < len(r.fpsWindow) && r.fpsWindow[i].Before(cutoff) {
		i++
	}
	r.fpsWindow = r.fpsWindow[i:]
	r.fpsMu.Unlock()
}

// fps computes the current frame rate from the sliding window.
func (r *statsRecorder) fps() float64 {
	r.fpsMu.Lock()
	defer r.fpsMu.Unlock()

	if len(r.fpsWindow) < 2 {
		return 0
	}
	dur := r.fpsWindow[len(r.fpsWindow)-1].Sub(r.fpsWindow[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(r.fpsWindow)-1) / dur
}

// recompute refreshes the cached snapshot. Called from the session's 1 Hz
// stats task.
func (r *statsRecorder) recompute() {
	var connTime time.Duration
	if at := r.connectedAt.Load(); at > 0 {
		connTime = time.Since(time.Unix(0, at))
	}

	snap := StreamingStats{
		FramesSent:     r.framesSent.Load(),
		BytesSent:      r.bytesSent.Load(),
		FPS:            r.fps(),
		ConnectionTime: connTime,
	}

	r.snapMu.Lock()
	r.snapshot = snap
	r.snapMu.Unlock()
}

// Snapshot returns the most recently computed stats.
func (r *statsRecorder) Snapshot() StreamingStats {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snapshot
}

// reset zeroes all counters and the cached snapshot.
func (r *statsRecorder) reset() {
	r.framesSent.Store(0)
	r.bytesSent.Store(0)
	r.connectedAt.Store(0)

	r.fpsMu.Lock()
	r.fpsWindow = nil
	r.fpsMu.Unlock()

	r.snapMu.Lock()
	r.snapshot = StreamingStats{}
	r.snapMu.Unlock()
}
