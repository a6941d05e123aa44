package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/finnox/lenscast/media"
	"github.com/finnox/lenscast/rtmp"
)

// VideoTransport pushes raw frames into an RTMP session. The underlying
// session is single-use, so each Start builds a fresh one; connecting is
// still deferred until the first frame supplies dimensions.
type VideoTransport struct {
	log *slog.Logger
	cfg rtmp.Config

	mu   sync.Mutex
	sess *rtmp.Session
}

// NewVideoTransport builds the transport. If log is nil, slog.Default()
// is used.
func NewVideoTransport(cfg rtmp.Config, log *slog.Logger) *VideoTransport {
	if log == nil {
		log = slog.Default()
	}
	return &VideoTransport{log: log.With("component", "video-transport"), cfg: cfg}
}

func (t *VideoTransport) session() *rtmp.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Start prepares a fresh RTMP session for this cycle. No connection is
// attempted here.
func (t *VideoTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sess = rtmp.NewSession(t.cfg, t.log)
	return nil
}

// HandleVideo feeds one raw frame. Never blocks.
func (t *VideoTransport) HandleVideo(frame *media.RawVideoFrame) {
	if s := t.session(); s != nil {
		s.FeedFrame(frame.Buffer, frame.Width, frame.Height, frame.CaptureTS)
	}
}

// HandleAudio is a no-op: the RTMP stream publishes video only; audio
// travels over the gateway transport.
func (t *VideoTransport) HandleAudio(media.AudioChunk) {}

// Stats returns push metrics for the current cycle, zero when idle.
func (t *VideoTransport) Stats() rtmp.StreamingStats {
	if s := t.session(); s != nil {
		return s.Stats()
	}
	return rtmp.StreamingStats{}
}

// Stop tears down the current RTMP session, if any.
func (t *VideoTransport) Stop() {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Errors surfaces connect and write failures from the current session.
func (t *VideoTransport) Errors() <-chan error {
	if s := t.session(); s != nil {
		return s.Errors()
	}
	return nil
}
