package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// PCMSource yields interleaved PCM. Read waits at most timeout and returns
// 0, nil when nothing arrived; any error ends capture.
type PCMSource interface {
	Read(p []byte, timeout time.Duration) (int, error)
}

// AudioWorker owns two loops over one audio encoder: capture moves PCM
// blocks from the source into encoder input buffers, drain moves encoded
// frames into the sink.
type AudioWorker struct {
	*drainer
	enc       codec.AudioEncoder
	src       PCMSource
	clock     *media.CaptureClock
	blockSize int

	captureDone chan struct{}
	captured    atomic.Int64
	dropped     atomic.Int64
}

// NewAudioWorker creates a worker reading blockSize bytes per iteration.
func NewAudioWorker(enc codec.AudioEncoder, src PCMSource, clock *media.CaptureClock, sink Sink, blockSize int, opts Options) *AudioWorker {
	if blockSize <= 0 {
		blockSize = media.AudioBlockSize
	}
	opts = opts.withDefaults()
	if blockSize < opts.FrameBytes {
		blockSize = opts.FrameBytes
	}
	return &AudioWorker{
		drainer:     newDrainer(media.TrackAudio, enc, sink, opts, false),
		enc:         enc,
		src:         src,
		clock:       clock,
		blockSize:   blockSize,
		captureDone: make(chan struct{}),
	}
}

// StartCapture launches the capture loop; it runs until ctx is done or the
// source fails.
func (w *AudioWorker) StartCapture(ctx context.Context) {
	logger := w.opts.Logger.With("component", "audio-capture")
	go func() {
		defer close(w.captureDone)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("capture loop panicked", "panic", r)
			}
		}()
		w.capture(ctx)
		logger.Debug("capture loop stopped", "captured", w.captured.Load(), "dropped", w.dropped.Load())
	}()
}

func (w *AudioWorker) capture(ctx context.Context) {
	logger := w.opts.Logger.With("component", "audio-capture")
	frame := w.opts.FrameBytes
	block := make([]byte, w.blockSize)
	// fill bytes at the front of block are a partial frame carried over
	// from the previous read.
	fill := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.src.Read(block[fill:], w.opts.DequeueTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("audio read failed", "error", err)
			}
			return
		}
		if n <= 0 {
			continue
		}
		avail := fill + n
		whole := avail / frame * frame
		if whole == 0 {
			fill = avail
			continue
		}
		pts := w.clock.Micros()

		ok := w.queue(logger, block[:whole], pts)
		fill = copy(block, block[whole:avail])
		if !ok {
			return
		}
	}
}

// queue hands whole PCM frames to the encoder. It reports false once the
// encoder is gone.
func (w *AudioWorker) queue(logger *slog.Logger, pcm []byte, pts int64) bool {
	in, err := w.enc.DequeueInput(w.opts.DequeueTimeout)
	if err != nil {
		if !errors.Is(err, codec.ErrReleased) {
			logger.Warn("dequeue input failed", "error", err)
		}
		return false
	}
	if in == nil {
		// no free input buffer within the wait: the frames are lost
		w.dropped.Add(1)
		return true
	}

	size := copy(in.Data, pcm) / w.opts.FrameBytes * w.opts.FrameBytes
	if err := w.enc.QueueInput(in, size, pts); err != nil {
		logger.Warn("queue input failed", "error", err)
		return true
	}
	if size < len(pcm) {
		w.dropped.Add(1)
	}
	w.captured.Add(1)
	return true
}

// StartDrain launches the drain loop.
func (w *AudioWorker) StartDrain(ctx context.Context) { w.start(ctx) }

// CaptureDone is closed when the capture loop has exited.
func (w *AudioWorker) CaptureDone() <-chan struct{} { return w.captureDone }

// Done is closed when the drain loop has exited.
func (w *AudioWorker) Done() <-chan struct{} { return w.done }

// Stats returns the drain and capture counters.
func (w *AudioWorker) Stats() Stats {
	s := w.stats()
	s.Captured = w.captured.Load()
	s.Dropped = w.dropped.Load()
	return s
}
