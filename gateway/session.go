package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Status is the connection state of a gateway session.
type Status int32

// Session states. A session cycles Disconnected → Connecting → Connected
// and returns to Disconnected on Stop, or parks in StatusError after a
// connect or write failure until the owner cycles Stop/Start.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// writeTimeout bounds a single frame write on a hung socket. Stop can race
// an in-flight send, so this also bounds how long a shutdown can stall;
// it must stay under the one-second teardown budget.
const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 800 * time.Millisecond
	closeGraceTime   = time.Second
)

// ErrAlreadyStarted is returned by Start when the session is already running.
var ErrAlreadyStarted = errors.New("gateway: session already started")

// Config holds the connection parameters for a gateway session.
type Config struct {
	URL           string
	Token         string
	TokenInHeader bool // send the token as an Authorization header instead of a query param
}

// Session owns one WebSocket connection to the audio gateway. Sends are
// fire-and-forget: a write failure moves the session to StatusError and
// subsequent sends are dropped until Stop/Start cycles the connection.
//
// The inbound direction exists only to observe liveness: the first received
// frame flips the status to Connected, and payloads are logged rather than
// parsed.
type Session struct {
	log *slog.Logger
	cfg Config

	dialer *websocket.Dialer

	status atomic.Int32

	mu         sync.Mutex // guards conn, chunkIndex, frameIndex, recvDone
	conn       *websocket.Conn
	chunkIndex int64
	frameIndex int64
	recvDone   chan struct{}

	errs chan error
}

// NewSession creates a Session for the configured gateway endpoint.
// If log is nil, slog.Default() is used.
func NewSession(cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:    log.With("component", "gateway"),
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		errs:   make(chan error, 1),
	}
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Errors delivers transport-level failures (connect or write errors) to the
// session's owner. The channel is buffered; only the first unconsumed error
// is retained.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Start opens the WebSocket connection and begins the receive pump. The
// chunk and frame indices reset to zero. Start after a failed or stopped
// session begins a fresh connection.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyStarted
	}

	s.status.Store(int32(StatusConnecting))
	s.chunkIndex = 0
	s.frameIndex = 0

	wsURL := s.cfg.URL
	var header http.Header
	if s.cfg.TokenInHeader {
		header = http.Header{"Authorization": {"Bearer " + s.cfg.Token}}
	} else {
		var err error
		wsURL, err = BuildURL(s.cfg.URL, s.cfg.Token)
		if err != nil {
			s.status.Store(int32(StatusError))
			return fmt.Errorf("gateway url: %w", err)
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		s.status.Store(int32(StatusError))
		return fmt.Errorf("dial gateway: %w", err)
	}

	s.conn = conn
	s.recvDone = make(chan struct{})
	go s.recvLoop(conn, s.recvDone)

	s.log.Info("gateway session started", "url", s.cfg.URL)
	return nil
}

// recvLoop reads inbound frames until the connection closes. The gateway
// protocol is send-dominant: inbound traffic is used only to confirm the
// link is live and is logged, never parsed into pipeline state.
func (s *Session) recvLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("gateway connection lost", "error", err)
				s.reportError(fmt.Errorf("gateway read: %w", err))
				s.status.Store(int32(StatusError))
			}
			return
		}
		if Status(s.status.Load()) == StatusConnecting {
			s.status.Store(int32(StatusConnected))
			s.log.Info("gateway confirmed connection")
		}
		s.log.Debug("gateway message", "payload", string(message))
	}
}

// SendAudio envelopes one ADTS frame and writes it as a single text
// message. The chunk index increments once per constructed frame. Frames
// sent while the session is in StatusError are dropped silently.
func (s *Session) SendAudio(adtsFrame []byte, sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || Status(s.status.Load()) == StatusError {
		return nil
	}

	payload := AudioPayload{
		Timestamp:  NowISO(),
		ChunkIndex: s.chunkIndex,
		Codec:      "AAC",
		SampleRate: sampleRate,
		Channels:   channels,
		Data:       base64.StdEncoding.EncodeToString(adtsFrame),
		Size:       len(adtsFrame),
	}

	if err := s.writeLocked(TypeAudio, payload); err != nil {
		return err
	}
	s.chunkIndex++
	return nil
}

// SendVideoPreview envelopes one encoded preview frame for the gateway's
// video feed. The frame index increments per sent frame.
func (s *Session) SendVideoPreview(data []byte, codec string, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || Status(s.status.Load()) == StatusError {
		return nil
	}

	payload := VideoPayload{
		Timestamp:  NowISO(),
		FrameIndex: s.frameIndex,
		Codec:      CleanString(codec),
		Width:      width,
		Height:     height,
		Data:       base64.StdEncoding.EncodeToString(data),
		Size:       len(data),
	}

	if err := s.writeLocked(TypeVideo, payload); err != nil {
		return err
	}
	s.frameIndex++
	return nil
}

// SendVitals stamps and sends one vital-signs sample.
func (s *Session) SendVitals(v Vitals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || Status(s.status.Load()) == StatusError {
		return nil
	}
	v.Timestamp = NowISO()
	return s.writeLocked(TypeVitals, v)
}

// SendText sends an analysis-trigger text payload. User-supplied strings
// are scrubbed of embedded newlines first.
func (s *Session) SendText(p TextPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || Status(s.status.Load()) == StatusError {
		return nil
	}

	p.UserID = CleanString(p.UserID)
	for i := range p.Messages {
		p.Messages[i].Role = CleanString(p.Messages[i].Role)
		p.Messages[i].Content = CleanString(p.Messages[i].Content)
	}
	return s.writeLocked(TypeText, p)
}

// writeLocked marshals an envelope and writes one text frame. On failure
// the session transitions to StatusError; later sends are dropped until the
// owner cycles the session. Caller holds s.mu.
func (s *Session) writeLocked(messageType string, payload any) error {
	data, err := json.Marshal(Envelope{MessageType: messageType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", messageType, err)
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.status.Store(int32(StatusError))
		s.reportError(fmt.Errorf("gateway write: %w", err))
		return fmt.Errorf("gateway write: %w", err)
	}
	return nil
}

// ChunkIndex returns the next audio chunk index (equal to the number of
// audio frames sent since Start).
func (s *Session) ChunkIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkIndex
}

// Stop closes the connection and resets the status to Disconnected. It is
// idempotent and safe to call from any state; a close handshake is
// attempted but the socket is torn down regardless within a bounded time.
func (s *Session) Stop() {
	s.mu.Lock()
	conn := s.conn
	done := s.recvDone
	s.conn = nil
	s.recvDone = nil
	s.mu.Unlock()

	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(closeGraceTime))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if done != nil {
			select {
			case <-done:
			case <-time.After(closeGraceTime):
				s.log.Warn("receive pump did not exit in time")
			}
		}
		s.log.Info("gateway session stopped")
	}

	s.status.Store(int32(StatusDisconnected))
}

// RunVitals reports device vitals from sample at the given interval until
// ctx is cancelled. Send failures are handled by the usual drop-on-error
// policy; the ticker keeps running so reporting resumes after a restart.
func (s *Session) RunVitals(ctx context.Context, interval time.Duration, sample func() Vitals) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SendVitals(sample())
		}
	}
}

// reportError pushes err to the Errors channel without blocking.
func (s *Session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
