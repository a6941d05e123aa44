// Package audio encodes microphone PCM into an AAC-LC elementary stream at
// the gateway's fixed target format (mono, 24 kHz, 64 kbps).
//
// Encoding runs through an ffmpeg child process fed raw s16le samples on
// stdin and producing ADTS on stdout. The process doubles as the session's
// format converter: it is created once, bound to the first PCM format
// observed, and reused for every subsequent chunk. Rebuilding it per chunk
// would discard the codec's lookahead state and corrupt the stream.
package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/finnox/lenscast/aac"
	"github.com/finnox/lenscast/media"
)

// Target output format for every encoder session.
const (
	TargetSampleRate = 24000
	TargetChannels   = 1
	TargetBitrate    = "64k"
)

// closeTimeout bounds how long Close waits for ffmpeg to exit after stdin
// is closed before killing it.
const closeTimeout = 2 * time.Second

// ErrClosed is returned by Encode after Close.
var ErrClosed = errors.New("audio: encoder closed")

// Encoder converts PCM chunks to raw AAC access units. It is stateful: the
// underlying converter binds to the first chunk's sample rate and channel
// count. Not safe for concurrent Encode calls; one goroutine owns it for
// the lifetime of one transport session.
type Encoder struct {
	log *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	// bound input format, set on first Encode
	srcRate     int
	srcChannels int

	// outMu guards outBuf, appended to by the stdout reader goroutine
	outMu  sync.Mutex
	outBuf []byte

	pending []byte // unconsumed ADTS tail across Encode calls
	seq     int64

	readerDone chan struct{}
}

// NewEncoder creates an Encoder. The ffmpeg process is not started until
// the first Encode call supplies the input format. If log is nil,
// slog.Default() is used.
func NewEncoder(log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		log:        log.With("component", "aac-encoder"),
		readerDone: make(chan struct{}),
	}
}

// Encode feeds one PCM chunk and returns the AAC packets that became
// available. An empty slice is normal: frame-based codecs need lookahead
// and may emit nothing for a given input.
//
// The chunk's PCM buffer is fully consumed before return; the caller may
// reuse it afterwards.
func (e *Encoder) Encode(chunk media.AudioChunk) ([]media.EncodedAACPacket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if e.cmd == nil {
		if err := e.start(chunk.SampleRate, chunk.Channels); err != nil {
			return nil, err
		}
	} else if chunk.SampleRate != e.srcRate || chunk.Channels != e.srcChannels {
		// The converter stays bound to the first observed format; a format
		// change mid-session is a source bug worth surfacing, not a reason
		// to rebuild the converter.
		e.log.Warn("PCM format changed mid-session, keeping original converter",
			"bound_rate", e.srcRate, "bound_channels", e.srcChannels,
			"chunk_rate", chunk.SampleRate, "chunk_channels", chunk.Channels)
	}

	if _, err := e.stdin.Write(chunk.PCM); err != nil {
		return nil, fmt.Errorf("write pcm to encoder: %w", err)
	}

	return e.collect(), nil
}

// start launches ffmpeg bound to the given input format. Caller holds e.mu.
func (e *Encoder) start(sampleRate, channels int) error {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", TargetBitrate,
		"-profile:a", "aac_low",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-ac", strconv.Itoa(TargetChannels),
		"-f", "adts",
		"-flush_packets", "1",
		"-fflags", "+flush_packets+nobuffer",
		"-max_delay", "0",
		"-avioflags", "direct",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.srcRate = sampleRate
	e.srcChannels = channels

	go e.drain(stdout)

	e.log.Info("encoder started",
		"input_rate", sampleRate, "input_channels", channels,
		"output_rate", TargetSampleRate, "output_channels", TargetChannels)
	return nil
}

// drain reads the encoder's ADTS output into outBuf until EOF.
func (e *Encoder) drain(stdout io.Reader) {
	defer close(e.readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.outMu.Lock()
			e.outBuf = append(e.outBuf, buf[:n]...)
			e.outMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// collect splits the accumulated ADTS bytes into complete frames, strips
// their headers, and assigns sequence numbers. Incomplete tail bytes are
// retained for the next call. Caller holds e.mu.
func (e *Encoder) collect() []media.EncodedAACPacket {
	e.outMu.Lock()
	if len(e.outBuf) > 0 {
		e.pending = append(e.pending, e.outBuf...)
		e.outBuf = e.outBuf[:0]
	}
	e.outMu.Unlock()

	frames, consumed, err := aac.ParseADTS(e.pending)
	if err != nil {
		// Bad header in the stream: drop through it and resync on the
		// next sync word.
		e.log.Warn("malformed ADTS in encoder output, resyncing", "error", err, "offset", consumed)
		consumed++
	}

	var packets []media.EncodedAACPacket
	for _, f := range frames {
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		packets = append(packets, media.EncodedAACPacket{
			Payload:    payload,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Sequence:   e.seq,
		})
		e.seq++
	}

	if consumed > 0 {
		e.pending = append(e.pending[:0:0], e.pending[consumed:]...)
	}
	return packets
}

// Close shuts the encoder down: stdin is closed so ffmpeg flushes and
// exits, with a bounded wait before the process is killed. Safe to call
// more than once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.cmd == nil {
		return nil
	}

	e.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			e.log.Debug("encoder exited", "error", err)
		}
	case <-time.After(closeTimeout):
		e.log.Warn("encoder did not exit, killing")
		e.cmd.Process.Kill()
		<-done
	}
	return nil
}
