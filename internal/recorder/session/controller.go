package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/worker"
)

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock sets the clock used for file names and event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithFreeSpace overrides the free space lookup.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(c *Controller) { c.freeSpace = fn }
}

// WithEventBus publishes to an existing bus.
func WithEventBus(b *EventBus) Option {
	return func(c *Controller) { c.events = b }
}

// Controller owns the recording lifecycle. It is safe for concurrent use.
type Controller struct {
	cfg       Config
	encoders  codec.Factory
	sources   source.Provider
	clock     clock.Clock
	logger    *slog.Logger
	events    *EventBus
	freeSpace FreeSpaceFunc

	state     atomic.Int32
	recording atomic.Bool

	mu   sync.Mutex
	cur  *run
	last *Result
}

// New creates an idle controller.
func New(cfg Config, encoders codec.Factory, sources source.Provider, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg.withDefaults(),
		encoders:  encoders,
		sources:   sources,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		freeSpace: diskFree,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = NewEventBus(0, c.clock)
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Events returns the bus carrying lifecycle notifications.
func (c *Controller) Events() *EventBus { return c.events }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// IsRecording reports whether a recording is in progress.
func (c *Controller) IsRecording() bool { return c.recording.Load() }

// Current returns the active session.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return Session{}, false
	}
	return c.cur.session, true
}

// LastResult returns the result of the most recent recording.
func (c *Controller) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) setState(s State, sessionID, msg string) {
	c.state.Store(int32(s))
	c.events.Publish(Event{Type: EventState, State: s, SessionID: sessionID, Message: msg})
}

// Start begins a recording at the given video bitrate (0 keeps the
// configured one). It returns ErrBusy unless the controller is idle.
func (c *Controller) Start(ctx context.Context, grant *source.Grant, bitrate int) (Session, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return Session{}, ErrBusy
	}
	if err := grant.Valid(); err != nil {
		c.state.Store(int32(StateIdle))
		return Session{}, err
	}
	c.events.Publish(Event{Type: EventState, State: StateStarting})

	r, err := c.setup(ctx, grant, bitrate)
	if err != nil {
		c.logger.Error("failed to start recording", "error", err)
		if terr := r.teardown(true); terr != nil {
			c.logger.Warn("cleanup after failed start", "error", terr)
		}
		c.setState(StateStopped, r.session.ID, "")
		c.events.Publish(Event{
			Type:      EventFailed,
			State:     StateStopped,
			SessionID: r.session.ID,
			Message:   err.Error(),
		})
		c.setState(StateIdle, "", "")
		return Session{}, err
	}

	c.mu.Lock()
	c.cur = r
	c.mu.Unlock()
	c.recording.Store(true)
	c.setState(StateRecording, r.session.ID, "")
	c.events.Publish(Event{
		Type:      EventStarted,
		State:     StateRecording,
		SessionID: r.session.ID,
		Path:      r.session.Path,
	})
	r.logger.Info("recording started", "path", r.session.Path, "bitrate", r.session.BitRate)

	go c.watch(r)
	return r.session, nil
}

// Stop finalizes the recording and keeps the file.
func (c *Controller) Stop() (*Result, error) { return c.stop(false, "stopped") }

// Discard finalizes the recording and deletes the file.
func (c *Controller) Discard() (*Result, error) { return c.stop(true, "discarded") }

// Shutdown stops a recording in progress, if any.
func (c *Controller) Shutdown() {
	if _, err := c.Stop(); err != nil && !errors.Is(err, ErrNotRecording) {
		c.logger.Warn("shutdown", "error", err)
	}
}

func (c *Controller) stop(discard bool, reason string) (*Result, error) {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNotRecording
	}

	res := c.stopRun(r, discard, reason)
	if discard && !res.Discarded {
		// another trigger finished the recording first
		if err := removeOutput(res.Path); err != nil {
			c.logger.Warn("failed to delete recording", "path", res.Path, "error", err)
		} else {
			res.Discarded, res.Bytes = true, 0
		}
	}
	return res, nil
}

func (c *Controller) stopRun(r *run, discard bool, reason string) *Result {
	r.stopOnce.Do(func() { c.finish(r, discard, reason) })
	<-r.done
	return r.result
}

// watch turns a revoked capture grant into a stop that keeps the file.
func (c *Controller) watch(r *run) {
	select {
	case <-r.grant.Revoked():
		r.logger.Info("capture authorization revoked", "reason", r.grant.Reason())
		c.stopRun(r, false, "revoked")
	case <-r.stopping:
	}
}

func (c *Controller) finish(r *run, discard bool, reason string) {
	close(r.stopping)
	c.setState(StateStopping, r.session.ID, reason)

	var elapsed time.Duration
	if r.clock != nil {
		elapsed = time.Duration(r.clock.Micros()) * time.Microsecond
	}
	began := time.Now()
	err := r.teardown(discard)
	res := r.summarize(elapsed, discard, reason, err)
	r.logger.Info("recording stopped",
		"reason", reason,
		"duration", res.Duration,
		"video_units", res.VideoUnits,
		"audio_units", res.AudioUnits,
		"audio_dropped", res.AudioDropped,
		"teardown", time.Since(began))

	r.result = res
	c.mu.Lock()
	c.cur = nil
	c.last = res
	c.mu.Unlock()
	c.recording.Store(false)

	c.setState(StateStopped, r.session.ID, reason)
	c.events.Publish(Event{
		Type:      EventStopped,
		State:     StateStopped,
		SessionID: r.session.ID,
		Path:      res.Path,
		Message:   reason,
		Result:    res,
	})
	c.setState(StateIdle, "", "")
	close(r.done)
}

func (c *Controller) setup(ctx context.Context, grant *source.Grant, bitrate int) (*run, error) {
	cfg := c.cfg
	if bitrate > 0 {
		cfg.Video.BitRate = bitrate
	}
	cfg.Audio.InputSize = cfg.BlockSize
	now := c.clock.Now()
	r := &run{
		session: Session{
			ID:         uuid.NewString(),
			Format:     cfg.Format,
			BitRate:    cfg.Video.BitRate,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			CreatedAt:  now,
		},
		grant:       grant,
		joinTimeout: cfg.JoinTimeout,
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.logger = c.logger.With("session", r.session.ID)

	if err := ctx.Err(); err != nil {
		return r, err
	}
	if err := c.checkSpace(cfg.OutputDir, cfg.MinFreeBytes); err != nil {
		return r, err
	}
	writer, err := createOutput(cfg.OutputDir, now, cfg.Format, mux.WithLogger(r.logger))
	if err != nil {
		return r, errors.Wrap(err, "open output")
	}
	r.writer = writer
	r.session.Path = writer.Path()
	r.clock = media.NewCaptureClock(nil)

	if r.venc, err = c.encoders.NewVideoEncoder(cfg.Video); err != nil {
		return r, errors.Wrap(err, "configure video encoder")
	}
	if r.aenc, err = c.encoders.NewAudioEncoder(cfg.Audio); err != nil {
		return r, errors.Wrap(err, "configure audio encoder")
	}
	if err := r.venc.Start(); err != nil {
		return r, errors.Wrap(err, "start video encoder")
	}
	if err := r.aenc.Start(); err != nil {
		return r, errors.Wrap(err, "start audio encoder")
	}
	surface, err := r.venc.InputSurface()
	if err != nil {
		return r, errors.Wrap(err, "video encoder surface")
	}

	if r.frames, err = c.sources.NewFrameSource(grant, source.VideoFormat{
		Width:     cfg.Video.Width,
		Height:    cfg.Video.Height,
		FrameRate: cfg.Video.FrameRate,
	}); err != nil {
		return r, errors.Wrap(err, "open frame source")
	}
	if r.audio, err = c.sources.NewAudioSource(grant, source.AudioFormat{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}); err != nil {
		return r, errors.Wrap(err, "open audio source")
	}

	opts := worker.Options{
		DequeueTimeout: cfg.DequeueTimeout,
		Logger:         r.logger,
		FrameBytes:     cfg.Audio.Channels * media.AudioBitsPerSample / 8,
	}
	r.video = worker.NewVideoWorker(r.venc, r.writer, opts)
	r.audioWorker = worker.NewAudioWorker(r.aenc, r.audio, r.clock, r.writer, cfg.BlockSize, opts)

	r.drainCtx, r.stopDrain = context.WithCancel(context.Background())
	r.video.Start(r.drainCtx)
	r.audioWorker.StartDrain(r.drainCtx)
	r.draining = true

	if err := r.audio.Start(); err != nil {
		return r, errors.Wrap(err, "start audio source")
	}
	r.captureCtx, r.stopCapture = context.WithCancel(context.Background())
	r.audioWorker.StartCapture(r.captureCtx)
	r.capturing = true

	if err := r.frames.Attach(surface, r.clock); err != nil {
		return r, errors.Wrap(err, "attach frame source")
	}
	return r, nil
}

func (c *Controller) checkSpace(dir string, min uint64) error {
	if min == 0 || c.freeSpace == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output folder")
	}
	free, err := c.freeSpace(dir)
	if err != nil {
		c.logger.Warn("free space check failed", "dir", dir, "error", err)
		return nil
	}
	if free < min {
		return errors.Wrapf(ErrInsufficientSpace, "%d bytes free in %s, need %d", free, dir, min)
	}
	return nil
}

// run holds the resources of one session. Fields stay nil when setup
// failed before reaching them.
type run struct {
	session     Session
	grant       *source.Grant
	logger      *slog.Logger
	joinTimeout time.Duration
	clock       *media.CaptureClock

	writer      *mux.Writer
	venc        codec.VideoEncoder
	aenc        codec.AudioEncoder
	frames      source.FrameSource
	audio       source.AudioSource
	video       *worker.VideoWorker
	audioWorker *worker.AudioWorker

	drainCtx    context.Context
	stopDrain   context.CancelFunc
	captureCtx  context.Context
	stopCapture context.CancelFunc
	draining    bool
	capturing   bool

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	result   *Result
}

// teardown releases everything in dependency order. Every step runs even
// when an earlier one failed; failures and panics are collected. Sources,
// the drain join and the encoders each get at most joinTimeout; a step
// that overruns keeps going in the background while teardown moves on.
func (r *run) teardown(discard bool) error {
	var (
		mu   sync.Mutex
		errs error
	)
	step := func(name string, fn func() error) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("teardown step panicked", "step", name, "panic", p)
				mu.Lock()
				errs = multierr.Append(errs, errors.Errorf("%s: panic: %v", name, p))
				mu.Unlock()
			}
		}()
		if err := fn(); err != nil {
			r.logger.Warn("teardown step failed", "step", name, "error", err)
			mu.Lock()
			errs = multierr.Append(errs, errors.Wrap(err, name))
			mu.Unlock()
		}
	}

	// sources first, the audio source only after its capture loop is out
	r.bounded("sources", func() {
		if r.frames != nil {
			step("stop frame source", r.frames.Stop)
			step("release frame source", r.frames.Release)
		}
	}, func() {
		if r.stopCapture != nil {
			r.stopCapture()
		}
		if r.capturing && !waitFor(r.audioWorker.CaptureDone(), r.joinTimeout) {
			r.logger.Warn("capture loop did not exit in time")
		}
		if r.audio != nil {
			step("stop audio source", r.audio.Stop)
			step("release audio source", r.audio.Release)
		}
	})

	if r.venc != nil {
		step("signal video end of stream", r.venc.SignalEndOfInputStream)
	}
	if r.aenc != nil {
		step("signal audio end of stream", r.aenc.SignalEndOfInputStream)
	}
	if r.draining {
		r.bounded("drain", func() { <-r.video.Done() }, func() { <-r.audioWorker.Done() })
	}
	if r.stopDrain != nil {
		r.stopDrain()
	}

	r.bounded("encoders", func() {
		if r.venc != nil {
			step("stop video encoder", r.venc.Stop)
			step("release video encoder", r.venc.Release)
		}
	}, func() {
		if r.aenc != nil {
			step("stop audio encoder", r.aenc.Stop)
			step("release audio encoder", r.aenc.Release)
		}
	})

	if r.writer != nil {
		step("finalize output", func() error {
			r.writer.Finalize()
			return nil
		})
	}
	if discard && r.writer != nil {
		step("delete output", func() error { return removeOutput(r.writer.Path()) })
	}

	mu.Lock()
	defer mu.Unlock()
	return errs
}

// bounded runs each task on its own goroutine and waits at most
// joinTimeout for all of them.
func (r *run) bounded(phase string, tasks ...func()) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task()
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if !waitFor(done, r.joinTimeout) {
		r.logger.Warn("teardown phase did not finish in time", "phase", phase, "timeout", r.joinTimeout)
	}
}

func (r *run) summarize(elapsed time.Duration, discard bool, reason string, err error) *Result {
	res := &Result{Session: r.session, Duration: elapsed, Discarded: discard, Reason: reason}
	if r.writer != nil {
		st := r.writer.Stats()
		res.VideoUnits = st.VideoUnits
		res.AudioUnits = st.AudioUnits
		res.WriteErrors = st.WriteErrors
		if !discard {
			res.Bytes = st.Bytes
		}
	}
	if r.audioWorker != nil {
		res.AudioDropped = r.audioWorker.Stats().Dropped
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func removeOutput(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
