// Package source provides a synthetic frame source: moving color bars and
// a sine tone, generated at capture cadence. It stands in for the glasses
// SDK in the demo binary and in pipeline tests.
package source

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/finnox/lenscast/media"
	"github.com/finnox/lenscast/session"
)

// Config sets the synthetic capture parameters.
type Config struct {
	Width  int
	Height int
	FPS    int

	AudioSampleRate int
	AudioChannels   int
	ChunkSamples    int

	ToneHz float64
}

func (c *Config) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 24
	}
	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = 48000
	}
	if c.AudioChannels <= 0 {
		c.AudioChannels = 1
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = 512
	}
	if c.ToneHz <= 0 {
		c.ToneHz = 440
	}
}

// Synthetic generates test-pattern video and tone audio with monotonic
// capture timestamps until closed.
type Synthetic struct {
	log *slog.Logger
	cfg Config

	frames chan media.CaptureFrame
	states chan session.SourceState

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a synthetic source. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Synthetic {
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synthetic{
		log:    log.With("component", "synthetic-source"),
		cfg:    cfg,
		frames: make(chan media.CaptureFrame, media.CaptureBufferSize),
		states: make(chan session.SourceState, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Opener adapts New to the controller's source constructor contract.
func Opener(cfg Config, log *slog.Logger) session.SourceOpener {
	return func(ctx context.Context) (session.FrameSource, error) {
		return New(cfg, log), nil
	}
}

// Frames delivers captured frames. Closed after Close.
func (s *Synthetic) Frames() <-chan media.CaptureFrame { return s.frames }

// States delivers lifecycle events: starting, streaming, then stopped.
func (s *Synthetic) States() <-chan session.SourceState { return s.states }

// Close stops generation, emits the stopped state, and closes both
// channels. Idempotent.
func (s *Synthetic) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		close(s.frames)
		close(s.states)
		s.log.Info("synthetic source closed")
	})
	return nil
}

func (s *Synthetic) sendState(st session.SourceState) {
	select {
	case s.states <- st:
	default:
	}
}

func (s *Synthetic) run(ctx context.Context) {
	defer close(s.done)

	s.sendState(session.SourceStarting)
	s.sendState(session.SourceStreaming)
	s.log.Info("synthetic source streaming",
		"width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FPS)

	videoTick := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer videoTick.Stop()
	chunkDur := time.Duration(s.cfg.ChunkSamples) * time.Second /
		time.Duration(s.cfg.AudioSampleRate)
	audioTick := time.NewTicker(chunkDur)
	defer audioTick.Stop()

	start := time.Now()
	frameIdx := 0
	samplePos := 0

	for {
		select {
		case <-ctx.Done():
			s.sendState(session.SourceStopped)
			return

		case <-videoTick.C:
			frame := s.makeFrame(frameIdx, time.Since(start).Microseconds())
			frameIdx++
			select {
			case s.frames <- frame:
			default:
				// Consumer behind: drop rather than stall the cadence.
			}

		case <-audioTick.C:
			chunk := s.makeChunk(&samplePos)
			select {
			case s.frames <- media.CaptureFrame{Audio: &chunk}:
			default:
			}
		}
	}
}

// makeFrame renders scrolling luma bars over flat chroma in I420 layout.
func (s *Synthetic) makeFrame(idx int, ptsUS int64) media.CaptureFrame {
	w, h := s.cfg.Width, s.cfg.Height
	buf := make([]byte, media.YUVSize(w, h))

	shift := idx * 4
	for y := 0; y < h; y++ {
		row := buf[y*w : (y+1)*w]
		for x := range row {
			row[x] = byte((x + shift) >> 2)
		}
	}
	chroma := buf[w*h:]
	quarter := len(chroma) / 2
	for i := 0; i < quarter; i++ {
		chroma[i] = 110 // U
	}
	for i := quarter; i < len(chroma); i++ {
		chroma[i] = 150 // V
	}

	return media.CaptureFrame{Video: &media.RawVideoFrame{
		Width:     w,
		Height:    h,
		Buffer:    buf,
		CaptureTS: ptsUS,
	}}
}

// makeChunk produces one block of s16le tone samples, phase-continuous
// across chunks.
func (s *Synthetic) makeChunk(samplePos *int) media.AudioChunk {
	n := s.cfg.ChunkSamples
	ch := s.cfg.AudioChannels
	pcm := make([]byte, n*ch*2)

	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.AudioSampleRate)
	for i := 0; i < n; i++ {
		v := int16(10000 * math.Sin(step*float64(*samplePos+i)))
		for c := 0; c < ch; c++ {
			off := (i*ch + c) * 2
			pcm[off] = byte(v)
			pcm[off+1] = byte(v >> 8)
		}
	}
	*samplePos += n

	return media.AudioChunk{
		PCM:        pcm,
		SampleRate: s.cfg.AudioSampleRate,
		Channels:   ch,
	}
}
