package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/finnox/lenscast/aac"
	"github.com/finnox/lenscast/audio"
	"github.com/finnox/lenscast/gateway"
	"github.com/finnox/lenscast/media"
	"github.com/finnox/lenscast/yuv"
)

// AudioTransportConfig configures the gateway-backed audio transport.
type AudioTransportConfig struct {
	Gateway gateway.Config

	// PreviewEnabled sends low-rate JPEG previews of the video stream
	// over the same socket, alongside the audio.
	PreviewEnabled  bool
	PreviewInterval time.Duration
	PreviewQuality  int
}

const (
	defaultPreviewInterval = time.Second
	defaultPreviewQuality  = 70
)

// AudioTransport feeds captured PCM through the AAC encoder and ships the
// resulting ADTS frames to the gateway as audio envelopes. One encoder
// process serves exactly one transport cycle: it is created on Start and
// torn down on Stop, never shared.
type AudioTransport struct {
	log *slog.Logger
	cfg AudioTransportConfig
	gw  *gateway.Session

	enc         *audio.Encoder
	lastPreview time.Time
}

// NewAudioTransport builds the transport. If log is nil, slog.Default()
// is used.
func NewAudioTransport(cfg AudioTransportConfig, log *slog.Logger) *AudioTransport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = defaultPreviewInterval
	}
	if cfg.PreviewQuality <= 0 {
		cfg.PreviewQuality = defaultPreviewQuality
	}
	return &AudioTransport{
		log: log.With("component", "audio-transport"),
		cfg: cfg,
		gw:  gateway.NewSession(cfg.Gateway, log),
	}
}

// Gateway exposes the underlying session for vitals and text senders.
func (t *AudioTransport) Gateway() *gateway.Session { return t.gw }

// Start dials the gateway and brings up a fresh encoder for this cycle.
func (t *AudioTransport) Start(ctx context.Context) error {
	t.enc = audio.NewEncoder(t.log)
	t.lastPreview = time.Time{}
	return t.gw.Start(ctx)
}

// HandleAudio encodes one PCM chunk and sends every resulting AAC packet
// as its own ADTS-framed envelope. Encoder rejections drop the chunk with
// a warning; the session continues.
func (t *AudioTransport) HandleAudio(chunk media.AudioChunk) {
	if t.enc == nil {
		return
	}
	packets, err := t.enc.Encode(chunk)
	if err != nil {
		t.log.Warn("audio encode failed, dropping chunk", "error", err)
		return
	}
	for _, p := range packets {
		frame := aac.FrameADTS(p.Payload, p.SampleRate, p.Channels)
		t.gw.SendAudio(frame, p.SampleRate, p.Channels)
	}
}

// HandleVideo optionally sends a throttled JPEG preview of the raw frame.
// When an RTMP transport is attached alongside, the forwarder hands the
// same frame to both sinks; each consumes it synchronously within the
// delivery (the preview encodes here, the RTMP feed copies), so the
// source's buffer-ownership window is still respected.
func (t *AudioTransport) HandleVideo(frame *media.RawVideoFrame) {
	if !t.cfg.PreviewEnabled {
		return
	}
	now := time.Now()
	if now.Sub(t.lastPreview) < t.cfg.PreviewInterval {
		return
	}
	t.lastPreview = now

	semi := yuv.Convert(frame.Buffer, frame.Width, frame.Height)
	jpg, err := yuv.EncodeJPEG(semi, frame.Width, frame.Height, t.cfg.PreviewQuality)
	if err != nil {
		t.log.Warn("preview encode failed", "error", err)
		return
	}
	t.gw.SendVideoPreview(jpg, "JPEG", frame.Width, frame.Height)
}

// Stop closes the gateway session and the encoder process.
func (t *AudioTransport) Stop() {
	t.gw.Stop()
	if t.enc != nil {
		if err := t.enc.Close(); err != nil {
			t.log.Warn("audio encoder close", "error", err)
		}
		t.enc = nil
	}
}

// Errors surfaces gateway connect and write failures.
func (t *AudioTransport) Errors() <-chan error {
	return t.gw.Errors()
}
