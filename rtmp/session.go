// Package rtmp implements the video transport session: raw camera frames
// in, an H.264 stream muxed and pushed to an RTMP ingest endpoint out.
//
// Connection is lazy by contract, not as an optimization: the encoder and
// the remote negotiation both need the stream dimensions, which are only
// known once the first frame arrives. Frames fed before the connection
// completes are dropped; FeedFrame never blocks the capture callback.
package rtmp

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rtmplib "github.com/notedit/rtmp-lib"
	"github.com/notedit/rtmp-lib/av"
	"github.com/notedit/rtmp-lib/h264"
)

// State is the lifecycle state of an RTMP session.
type State int32

// Session states. The session idles until the first fed frame supplies
// dimensions, connects, streams, and returns to Idle on Stop or parks in
// StateError on a transport failure.
const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// feedBufferSize bounds frames queued between FeedFrame and the push
	// loop; at 24fps this is ~0.5s of video. When full, new frames drop.
	feedBufferSize = 12

	stopTimeout   = time.Second
	statsInterval = time.Second
)

// Muxer is the subset of the RTMP connection the session writes to.
// Narrowing to an interface keeps the lazy-connect contract testable
// without a live ingest server.
type Muxer interface {
	WriteHeader(streams []av.CodecData) error
	WritePacket(pkt av.Packet) error
	Close() error
}

// DialFunc opens the RTMP connection once dimensions are known.
type DialFunc func(url string) (Muxer, error)

func defaultDial(url string) (Muxer, error) {
	conn, err := rtmplib.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the push parameters for an RTMP session.
type Config struct {
	URL     string
	Bitrate int // target video bitrate, bits/s
	FPS     int // source cadence used to configure the encoder
}

type feedItem struct {
	buf   []byte
	ptsUS int64
}

// Session owns one RTMP push connection. Frames are fed from the capture
// callback via FeedFrame; encoding and network writes happen on the
// session's own goroutine so the caller is never blocked by socket
// backpressure.
type Session struct {
	log *slog.Logger
	cfg Config

	dial       DialFunc
	newEncoder EncoderFactory

	state atomic.Int32

	frameCh chan feedItem
	errs    chan error

	// launchMu serializes the first-frame launch decision against Stop,
	// so a stop can never race a launch it would then fail to wait for.
	launchMu sync.Mutex
	launch   launchPhase
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	infoMu  sync.Mutex
	info    StreamInfo
	infoSet bool

	stats statsRecorder
}

type launchPhase int

const (
	launchPending launchPhase = iota
	launchStarted
	launchDenied // stopped before any frame arrived
)

// StreamInfo describes the negotiated video stream, taken from the
// encoder's SPS when the connection header is written.
type StreamInfo struct {
	Width  int
	Height int
	Codec  string // RFC 6381 codec parameter string
}

// NewSession creates a Session for the given endpoint. Nothing connects
// until the first frame is fed. If log is nil, slog.Default() is used.
func NewSession(cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:        log.With("component", "rtmp"),
		cfg:        cfg,
		dial:       defaultDial,
		newEncoder: NewFFmpegEncoder,
		frameCh:    make(chan feedItem, feedBufferSize),
		errs:       make(chan error, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetDialer overrides the connection factory. Intended for tests.
func (s *Session) SetDialer(dial DialFunc) { s.dial = dial }

// SetEncoderFactory overrides the encoder factory. Intended for tests.
func (s *Session) SetEncoderFactory(f EncoderFactory) { s.newEncoder = f }

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Errors delivers transport-level failures to the session's owner.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Stats returns the latest 1 Hz streaming statistics snapshot.
func (s *Session) Stats() StreamingStats {
	return s.stats.Snapshot()
}

// FeedFrame submits one raw I420 frame. The first frame latches the stream
// dimensions and triggers the connection attempt; until the session is
// streaming, and whenever the internal queue is full, frames are dropped.
// FeedFrame copies the buffer and never blocks: the caller may reuse the
// buffer immediately after return.
func (s *Session) FeedFrame(buf []byte, width, height int, ptsUS int64) {
	switch s.State() {
	case StateError:
		return
	default:
	}
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.launchMu.Lock()
	if s.launch == launchPending {
		select {
		case <-s.stopCh:
			s.launch = launchDenied
		default:
			s.launch = launchStarted
			s.state.Store(int32(StateConnecting))
			s.log.Info("first frame received, connecting", "width", width, "height", height)
			go s.run(width, height)
		}
	}
	denied := s.launch == launchDenied
	s.launchMu.Unlock()
	if denied {
		return
	}

	item := feedItem{buf: append([]byte(nil), buf...), ptsUS: ptsUS}
	select {
	case s.frameCh <- item:
	default:
		// Queue full: shed the oldest queued frame to keep latency bounded.
		// Blocking the capture callback is not an option.
		select {
		case <-s.frameCh:
		default:
		}
		select {
		case s.frameCh <- item:
		default:
		}
		s.log.Debug("frame queue full, dropped oldest frame")
	}
}

// run owns the encoder and the network connection for one session life.
func (s *Session) run(width, height int) {
	defer close(s.doneCh)

	enc, err := s.newEncoder(width, height, s.cfg.FPS, s.cfg.Bitrate)
	if err != nil {
		s.fail(fmt.Errorf("create video encoder: %w", err))
		return
	}

	muxer, err := s.dial(s.cfg.URL)
	if err != nil {
		enc.Close()
		s.fail(fmt.Errorf("connect rtmp %s: %w", s.cfg.URL, err))
		return
	}

	s.stats.markConnected()
	s.state.Store(int32(StateStreaming))
	s.log.Info("rtmp connected", "url", s.cfg.URL)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	headerWritten := false
	baseSet := false
	var basePTS int64

	writeUnits := func(units []AccessUnit) error {
		for _, au := range units {
			if !headerWritten {
				if au.SPS == nil || au.PPS == nil {
					continue
				}
				s.recordStreamInfo(au.SPS, width, height)
				cd, err := h264.NewCodecDataFromSPSAndPPS(au.SPS, au.PPS)
				if err != nil {
					return fmt.Errorf("build codec data: %w", err)
				}
				if err := muxer.WriteHeader([]av.CodecData{cd}); err != nil {
					return fmt.Errorf("write rtmp header: %w", err)
				}
				headerWritten = true
			}

			if !baseSet {
				basePTS = au.PTSUS
				baseSet = true
			}
			data := avccPayload(au)
			pkt := av.Packet{
				IsKeyFrame: au.IsKeyframe,
				Time:       time.Duration(au.PTSUS-basePTS) * time.Microsecond,
				Data:       data,
			}
			if err := muxer.WritePacket(pkt); err != nil {
				return fmt.Errorf("write rtmp packet: %w", err)
			}
			s.stats.recordFrame(int64(len(data)))
		}
		return nil
	}

	for {
		select {
		case <-s.stopCh:
			// Flush what the encoder still holds, then close the
			// connection. Failures here are logged, not escalated: the
			// session is going down anyway.
			if units, err := enc.Close(); err == nil {
				if err := writeUnits(units); err != nil {
					s.log.Debug("flush on stop", "error", err)
				}
			}
			muxer.Close()
			return

		case item := <-s.frameCh:
			units, err := enc.Encode(item.buf, item.ptsUS)
			if err != nil {
				// A rejected frame is not fatal; drop it and continue.
				s.log.Warn("encode failed, dropping frame", "error", err)
				continue
			}
			if err := writeUnits(units); err != nil {
				enc.Close()
				muxer.Close()
				s.fail(err)
				return
			}

		case <-ticker.C:
			s.stats.recompute()
		}
	}
}

// recordStreamInfo parses the encoder's SPS to cross-check the coded
// dimensions against the fed frame and to publish the codec string. An
// unparseable SPS is logged and left for the muxer's own validation.
func (s *Session) recordStreamInfo(sps []byte, fedWidth, fedHeight int) {
	info, err := parseSPS(sps)
	if err != nil {
		s.log.Warn("could not parse encoder sps", "error", err)
		return
	}
	if info.Width != fedWidth || info.Height != fedHeight {
		s.log.Warn("coded dimensions differ from fed frame",
			"coded_width", info.Width, "coded_height", info.Height,
			"fed_width", fedWidth, "fed_height", fedHeight)
	}

	streamInfo := StreamInfo{Width: info.Width, Height: info.Height, Codec: info.CodecString()}
	s.infoMu.Lock()
	s.info = streamInfo
	s.infoSet = true
	s.infoMu.Unlock()

	s.log.Info("video stream negotiated",
		"width", info.Width, "height", info.Height, "codec", streamInfo.Codec)
}

// StreamInfo returns the negotiated stream parameters once the connection
// header has been written; ok is false before that and after Stop.
func (s *Session) StreamInfo() (info StreamInfo, ok bool) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info, s.infoSet
}

// fail parks the session in StateError and reports the error upward.
func (s *Session) fail(err error) {
	s.state.Store(int32(StateError))
	s.log.Error("rtmp session failed", "error", err)
	select {
	case s.errs <- err:
	default:
	}
}

// Stop shuts the session down from any state. It signals the push loop,
// waits a bounded time for the graceful flush, and resets statistics. A
// session that never connected (no frame fed) stops immediately. Safe to
// call repeatedly and concurrently with FeedFrame.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		// Taking launchMu after closing stopCh settles the race with a
		// concurrent first FeedFrame: either the launch already happened
		// and must be waited for, or it is now denied.
		s.launchMu.Lock()
		launched := s.launch == launchStarted
		if s.launch == launchPending {
			s.launch = launchDenied
		}
		s.launchMu.Unlock()

		if launched {
			select {
			case <-s.doneCh:
			case <-time.After(stopTimeout):
				// The push loop is stuck on a dead socket write; the
				// process-level socket close when the muxer is garbage
				// collected is the last resort.
				s.log.Warn("rtmp push loop did not stop in time")
			}
		}

		s.state.Store(int32(StateIdle))
		s.stats.reset()
		s.infoMu.Lock()
		s.info = StreamInfo{}
		s.infoSet = false
		s.infoMu.Unlock()
		s.log.Info("rtmp session stopped")
	})
}
