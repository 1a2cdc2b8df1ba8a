package worker

import (
	"context"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// VideoWorker drains a surface-input video encoder into the sink. Frames
// reach the encoder through its input surface, not through the worker.
type VideoWorker struct {
	*drainer
}

// NewVideoWorker creates a worker for enc. Buffers with zero size or a
// non-positive timestamp are dropped as warm-up output.
func NewVideoWorker(enc codec.VideoEncoder, sink Sink, opts Options) *VideoWorker {
	return &VideoWorker{
		drainer: newDrainer(media.TrackVideo, enc, sink, opts, true),
	}
}

// Start launches the drain loop; it runs until ctx is done or the encoder
// reaches end of stream.
func (w *VideoWorker) Start(ctx context.Context) { w.start(ctx) }

// Done is closed when the drain loop has exited.
func (w *VideoWorker) Done() <-chan struct{} { return w.done }

// Stats returns the drain counters.
func (w *VideoWorker) Stats() Stats { return w.stats() }
