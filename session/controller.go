// Package session coordinates one capture-to-transport media session: a
// frame source on one side, any number of transports on the other, and a
// state machine in between that owns every transition.
//
// All state changes flow through a single event loop goroutine. Sources
// and transports never mutate controller state; they deliver events over
// channels and the loop serializes them against explicit start and stop
// requests.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/finnox/lenscast/media"
)

// Controller states.
const (
	StateIdle      = "idle"
	StateStarting  = "starting"
	StateStreaming = "streaming"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
	StateError     = "error"
)

// Controller events.
const (
	evStart  = "start"
	evStream = "stream"
	evHalt   = "halt"
	evFinish = "finish"
	evFail   = "fail"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdClose
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error
}

// Status is a point-in-time view of a controller.
type Status struct {
	ID    string
	State string
	Err   error // last unrecoverable error, set while in the error state
}

// Controller drives one media session. Start opens the frame source and
// the transports; source state changes and transport failures feed back
// into the same loop, so an unsolicited device stop or a dead socket runs
// the exact same teardown as an explicit Stop.
type Controller struct {
	log        *slog.Logger
	id         string
	open       SourceOpener
	transports []Transport

	machine *fsm.FSM

	cmds     chan command
	errs     chan error
	loopDone chan struct{}

	closeOnce sync.Once

	// current cycle, owned by the loop goroutine
	src           FrameSource
	srcStates     <-chan SourceState
	forwardCancel context.CancelFunc
	forwardDone   chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// NewController builds a controller and starts its event loop. The opener
// is invoked on each Start; transports are reused across cycles. If log is
// nil, slog.Default() is used.
func NewController(open SourceOpener, transports []Transport, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		id:         uuid.NewString(),
		open:       open,
		transports: transports,
		cmds:       make(chan command),
		errs:       make(chan error, 4),
		loopDone:   make(chan struct{}),
	}
	c.log = log.With("component", "session", "session_id", c.id)

	c.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evStart, Src: []string{StateIdle, StateStopped, StateError}, Dst: StateStarting},
			{Name: evStream, Src: []string{StateStarting}, Dst: StateStreaming},
			{Name: evHalt, Src: []string{StateStarting, StateStreaming}, Dst: StateStopping},
			{Name: evFinish, Src: []string{StateStopping}, Dst: StateStopped},
			{Name: evFail, Src: []string{StateStarting, StateStreaming, StateStopping}, Dst: StateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Info("session state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)

	go c.loop()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Status returns the current state snapshot. Safe from any goroutine.
func (c *Controller) Status() Status {
	c.errMu.Lock()
	err := c.lastErr
	c.errMu.Unlock()
	return Status{ID: c.id, State: c.machine.Current(), Err: err}
}

// Start begins a session cycle: opens the frame source and starts every
// transport. Calling Start while a cycle is active is a no-op. An error
// leaves the controller in the error state with everything torn down.
func (c *Controller) Start(ctx context.Context) error {
	return c.send(command{kind: cmdStart, ctx: ctx})
}

// Stop tears the current cycle down: frame forwarding first, then the
// transports, then the source. Idempotent; a Stop with no active cycle
// does nothing.
func (c *Controller) Stop() {
	c.send(command{kind: cmdStop})
}

// Close stops any active cycle and shuts the event loop down. The
// controller is unusable afterwards.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.send(command{kind: cmdClose})
		<-c.loopDone
	})
}

func (c *Controller) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
		return <-cmd.reply
	case <-c.loopDone:
		return fmt.Errorf("session %s: controller closed", c.id)
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	ctx := context.Background()
	for {
		select {
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdStart:
				cmd.reply <- c.handleStart(cmd.ctx)
			case cmdStop:
				c.teardown(ctx, nil)
				cmd.reply <- nil
			case cmdClose:
				c.teardown(ctx, nil)
				cmd.reply <- nil
				return
			}

		case st, ok := <-c.srcStates:
			if !ok {
				c.srcStates = nil
				continue
			}
			c.handleSourceState(ctx, st)

		case err := <-c.errs:
			c.handleTransportError(ctx, err)
		}
	}
}

func (c *Controller) handleStart(ctx context.Context) error {
	switch c.machine.Current() {
	case StateIdle, StateStopped, StateError:
	default:
		c.log.Debug("start ignored, session already active", "state", c.machine.Current())
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.setErr(nil)
	c.machine.Event(ctx, evStart)

	src, err := c.open(ctx)
	if err != nil {
		err = fmt.Errorf("open frame source: %w", err)
		c.setErr(err)
		c.machine.Event(ctx, evHalt)
		c.machine.Event(ctx, evFail)
		return err
	}
	c.src = src
	c.srcStates = src.States()

	for i, t := range c.transports {
		if err := t.Start(ctx); err != nil {
			err = fmt.Errorf("start transport: %w", err)
			for _, started := range c.transports[:i] {
				started.Stop()
			}
			c.closeSource()
			c.setErr(err)
			c.machine.Event(ctx, evHalt)
			c.machine.Event(ctx, evFail)
			return err
		}
	}

	cycleCtx, cancel := context.WithCancel(context.Background())
	c.forwardCancel = cancel
	c.forwardDone = make(chan struct{})
	go c.forward(cycleCtx, src.Frames(), c.forwardDone)
	for _, t := range c.transports {
		go c.pumpErrors(cycleCtx, t.Errors())
	}
	return nil
}

func (c *Controller) handleSourceState(ctx context.Context, st SourceState) {
	c.log.Debug("source state", "state", st)
	switch st {
	case SourceStreaming:
		if c.machine.Current() == StateStarting {
			c.machine.Event(ctx, evStream)
		}
	case SourceStopped:
		// Unsolicited device stop. Tear down exactly as an explicit Stop
		// would: mirroring the upstream state alone would leak the
		// transports.
		c.teardown(ctx, nil)
	case SourceErrored:
		c.teardown(ctx, fmt.Errorf("frame source failed"))
	}
}

func (c *Controller) handleTransportError(ctx context.Context, err error) {
	switch c.machine.Current() {
	case StateStarting, StateStreaming:
		c.teardown(ctx, fmt.Errorf("transport: %w", err))
	default:
		c.log.Debug("transport error outside active cycle", "error", err)
	}
}

// teardown runs the fixed shutdown sequence: stop frame forwarding, stop
// the transports, close the source. With a nil cause the session settles
// in Stopped, otherwise in Error. No-op when no cycle is active.
func (c *Controller) teardown(ctx context.Context, cause error) {
	switch c.machine.Current() {
	case StateStarting, StateStreaming:
	default:
		return
	}
	c.machine.Event(ctx, evHalt)

	if c.forwardCancel != nil {
		c.forwardCancel()
		<-c.forwardDone
		c.forwardCancel = nil
		c.forwardDone = nil
	}

	for _, t := range c.transports {
		t.Stop()
	}

	c.closeSource()

	if cause != nil {
		c.setErr(cause)
		c.machine.Event(ctx, evFail)
	} else {
		c.machine.Event(ctx, evFinish)
	}
}

func (c *Controller) closeSource() {
	if c.src == nil {
		return
	}
	if err := c.src.Close(); err != nil {
		c.log.Warn("close frame source", "error", err)
	}
	c.src = nil
	c.srcStates = nil
}

// forward pumps captured frames to every transport until cancelled. The
// source owns each frame's buffers only until the transports return, so
// dispatch is synchronous.
func (c *Controller) forward(ctx context.Context, frames <-chan media.CaptureFrame, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			for _, t := range c.transports {
				if f.Video != nil {
					t.HandleVideo(f.Video)
				}
				if f.Audio != nil {
					t.HandleAudio(*f.Audio)
				}
			}
		}
	}
}

// pumpErrors relays one transport failure into the event loop.
func (c *Controller) pumpErrors(ctx context.Context, errs <-chan error) {
	if errs == nil {
		return
	}
	select {
	case <-ctx.Done():
	case err, ok := <-errs:
		if !ok || err == nil {
			return
		}
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}
