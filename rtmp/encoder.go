package rtmp

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// VideoEncoder is the H.264 encode capability the RTMP session drives. The
// pipeline does not implement a codec; it feeds raw frames and consumes
// access units in presentation order.
type VideoEncoder interface {
	// Encode submits one raw I420 frame with its capture timestamp and
	// returns any access units that became available. Zero units is
	// normal while the encoder builds lookahead.
	Encode(frame []byte, ptsUS int64) ([]AccessUnit, error)
	// Close flushes and shuts the encoder down, returning any remaining
	// access units.
	Close() ([]AccessUnit, error)
}

// EncoderFactory builds a VideoEncoder once the first fed frame has
// supplied the stream dimensions.
type EncoderFactory func(width, height, fps, bitrate int) (VideoEncoder, error)

const encoderCloseTimeout = 2 * time.Second

// ffmpegEncoder drives an ffmpeg child process: raw yuv420p frames on
// stdin, Annex-B H.264 with access unit delimiters on stdout. Zero-latency
// tuning disables B-frames, so access units leave in the same order frames
// are fed and timestamps can be matched FIFO.
type ffmpegEncoder struct {
	log   *slog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser

	outMu  sync.Mutex
	outBuf []byte

	splitter auSplitter
	ptsQueue []int64

	readerDone chan struct{}
	closed     bool
}

// NewFFmpegEncoder is the default EncoderFactory: it launches ffmpeg
// configured for low-latency H.264 at the given dimensions and bitrate.
func NewFFmpegEncoder(width, height, fps, bitrate int) (VideoEncoder, error) {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-b:v", strconv.Itoa(bitrate),
		"-x264-params", "aud=1",
		"-f", "h264",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start video encoder: %w", err)
	}

	e := &ffmpegEncoder{
		log:        slog.With("component", "h264-encoder"),
		cmd:        cmd,
		stdin:      stdin,
		readerDone: make(chan struct{}),
	}
	go e.drain(stdout)

	e.log.Info("video encoder started",
		"width", width, "height", height, "fps", fps, "bitrate", bitrate)
	return e, nil
}

func (e *ffmpegEncoder) drain(stdout io.Reader) {
	defer close(e.readerDone)
	buf := make([]byte, 64*1024)
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

func (e *ffmpegEncoder) Encode(frame []byte, ptsUS int64) ([]AccessUnit, error) {
	if e.closed {
		return nil, fmt.Errorf("video encoder closed")
	}

	e.ptsQueue = append(e.ptsQueue, ptsUS)
	if _, err := e.stdin.Write(frame); err != nil {
		return nil, fmt.Errorf("write frame to encoder: %w", err)
	}
	return e.collect(), nil
}

// collect pulls buffered encoder output through the access-unit splitter
// and stamps completed units with queued input timestamps.
func (e *ffmpegEncoder) collect() []AccessUnit {
	e.outMu.Lock()
	data := e.outBuf
	e.outBuf = nil
	e.outMu.Unlock()

	units := e.splitter.push(data)
	for i := range units {
		if len(e.ptsQueue) > 0 {
			units[i].PTSUS = e.ptsQueue[0]
			e.ptsQueue = e.ptsQueue[1:]
		}
	}
	return units
}

func (e *ffmpegEncoder) Close() ([]AccessUnit, error) {
	if e.closed {
		return nil, nil
	}
	e.closed = true

	e.stdin.Close()

	select {
	case <-e.readerDone:
	case <-time.After(encoderCloseTimeout):
		e.log.Warn("video encoder output did not drain in time")
	}

	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(encoderCloseTimeout):
		e.log.Warn("video encoder did not exit, killing")
		e.cmd.Process.Kill()
		<-done
	}

	return e.collect(), nil
}
