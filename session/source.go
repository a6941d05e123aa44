package session

import (
	"context"

	"github.com/finnox/lenscast/media"
)

// SourceState is the lifecycle state reported by a frame source.
type SourceState int

const (
	SourceStarting SourceState = iota
	SourceStreaming
	SourceStopped
	SourceErrored
)

func (s SourceState) String() string {
	switch s {
	case SourceStarting:
		return "starting"
	case SourceStreaming:
		return "streaming"
	case SourceStopped:
		return "stopped"
	case SourceErrored:
		return "error"
	default:
		return "unknown"
	}
}

// FrameSource is the capture device contract the controller consumes: a
// frame stream, a state stream, and a close. Nothing else about the device
// is visible to the pipeline.
//
// Frames carry buffers owned by the source for the duration of one channel
// delivery; consumers copy or fully process them before taking the next.
type FrameSource interface {
	Frames() <-chan media.CaptureFrame
	States() <-chan SourceState
	Close() error
}

// SourceOpener starts a capture session and returns the live source.
type SourceOpener func(ctx context.Context) (FrameSource, error)
