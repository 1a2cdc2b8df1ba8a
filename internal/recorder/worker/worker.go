// Package worker runs the encoder loops of a recording: one drain loop per
// encoder that moves encoded output into the mux, and the audio capture
// loop that feeds PCM into the audio encoder.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// DefaultDequeueTimeout bounds every encoder and source wait.
const DefaultDequeueTimeout = 10 * time.Millisecond

// Sink receives track descriptors and access units. mux.Writer implements it.
type Sink interface {
	RegisterTrack(kind media.TrackKind, desc media.TrackDescriptor) (int, bool)
	Opened() bool
	WriteAccessUnit(kind media.TrackKind, au media.AccessUnit) bool
}

// Options configures a worker.
type Options struct {
	DequeueTimeout time.Duration
	Logger         *slog.Logger
	// FrameBytes is the size of one interleaved PCM sample frame. Audio is
	// only ever queued or dropped in whole frames.
	FrameBytes int
}

func (o Options) withDefaults() Options {
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = DefaultDequeueTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.FrameBytes <= 0 {
		o.FrameBytes = media.AudioChannels * media.AudioBitsPerSample / 8
	}
	return o
}

// Stats counts what a drain loop did with encoder output.
type Stats struct {
	Formats     int64 `json:"formats"`
	Forwarded   int64 `json:"forwarded"`
	Skipped     int64 `json:"skipped"`
	EndOfStream bool  `json:"end_of_stream"`
	// audio only
	Captured int64 `json:"captured,omitempty"`
	Dropped  int64 `json:"dropped,omitempty"`
}

type drainer struct {
	kind   media.TrackKind
	enc    codec.Encoder
	sink   Sink
	opts   Options
	logger *slog.Logger
	// video buffers must carry a positive timestamp
	requirePTS bool

	done      chan struct{}
	formats   atomic.Int64
	forwarded atomic.Int64
	skipped   atomic.Int64
	eos       atomic.Bool
}

func newDrainer(kind media.TrackKind, enc codec.Encoder, sink Sink, opts Options, requirePTS bool) *drainer {
	opts = opts.withDefaults()
	return &drainer{
		kind:       kind,
		enc:        enc,
		sink:       sink,
		opts:       opts,
		logger:     opts.Logger.With("component", "drain", "track", kind.String()),
		requirePTS: requirePTS,
		done:       make(chan struct{}),
	}
}

func (d *drainer) start(ctx context.Context) {
	go func() {
		defer close(d.done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("drain loop panicked", "panic", r)
			}
		}()
		d.run(ctx)
	}()
}

// run dequeues until ctx is done, the encoder is released or an
// end-of-stream buffer arrives.
func (d *drainer) run(ctx context.Context) {
	d.logger.Debug("drain loop started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("drain loop stopped", "forwarded", d.forwarded.Load())
			return
		default:
		}

		out, err := d.enc.DequeueOutput(d.opts.DequeueTimeout)
		if err != nil {
			if !errors.Is(err, codec.ErrReleased) {
				d.logger.Warn("dequeue failed", "error", err)
			}
			return
		}

		switch out.Kind {
		case codec.OutputNone:
			continue
		case codec.OutputFormatChanged:
			d.formats.Add(1)
			idx, opened := d.sink.RegisterTrack(d.kind, out.Format)
			d.logger.Info("output format available", "index", idx, "container_opened", opened)
		case codec.OutputReady:
			if d.handle(out.Buffer) {
				d.eos.Store(true)
				d.logger.Debug("end of stream", "forwarded", d.forwarded.Load())
				return
			}
		}
	}
}

// handle forwards one buffer and always hands it back to the encoder.
// It reports whether the buffer ended the stream.
func (d *drainer) handle(buf *codec.OutputBuffer) bool {
	defer d.enc.ReleaseOutput(buf)

	valid := buf.Size() > 0 && (!d.requirePTS || buf.PTS > 0)
	if valid && d.sink.Opened() {
		au := media.AccessUnit{
			Kind:     d.kind,
			PTS:      buf.PTS,
			KeyFrame: buf.KeyFrame,
			Payload:  buf.Data,
		}
		if d.sink.WriteAccessUnit(d.kind, au) {
			d.forwarded.Add(1)
		} else {
			d.skipped.Add(1)
		}
	} else if buf.Size() > 0 {
		d.skipped.Add(1)
	}
	return buf.EndOfStream
}

func (d *drainer) stats() Stats {
	return Stats{
		Formats:     d.formats.Load(),
		Forwarded:   d.forwarded.Load(),
		Skipped:     d.skipped.Load(),
		EndOfStream: d.eos.Load(),
	}
}
