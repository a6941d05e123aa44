package session

import (
	"context"

	"github.com/finnox/lenscast/media"
)

// Transport is one media sink attached to a session: the audio gateway,
// the RTMP push, or a test double. HandleVideo and HandleAudio are called
// from the controller's frame-forwarding goroutine and must not retain the
// frame buffers past return.
type Transport interface {
	// Start brings the transport up for one session cycle. For the audio
	// gateway this dials the socket; the RTMP transport defers connecting
	// until the first frame supplies dimensions.
	Start(ctx context.Context) error
	HandleVideo(frame *media.RawVideoFrame)
	HandleAudio(chunk media.AudioChunk)
	// Stop tears the transport down and resets its counters. Idempotent.
	Stop()
	// Errors delivers unrecoverable transport failures for the current
	// cycle. May return nil before Start.
	Errors() <-chan error
}
