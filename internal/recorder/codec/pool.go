package codec

import (
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// OutputQueue carries encoder output to the drain loop. Buffers occupy one
// of a fixed number of slots until released, so a consumer that stops
// releasing eventually blocks the producer.
type OutputQueue struct {
	events chan Output
	slots  chan int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewOutputQueue creates a queue backed by size buffer slots.
func NewOutputQueue(size int) *OutputQueue {
	if size <= 0 {
		size = 1
	}
	q := &OutputQueue{
		events: make(chan Output, size+1),
		slots:  make(chan int, size),
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		q.slots <- i
	}
	return q
}

// PushFormat publishes an output-format event.
func (q *OutputQueue) PushFormat(desc media.TrackDescriptor) error {
	select {
	case q.events <- Output{Kind: OutputFormatChanged, Format: desc}:
		return nil
	case <-q.closed:
		return ErrReleased
	}
}

// PushBuffer waits for a free slot and publishes buf.
func (q *OutputQueue) PushBuffer(buf *OutputBuffer) error {
	select {
	case slot := <-q.slots:
		buf.slot = slot
	case <-q.closed:
		return ErrReleased
	}
	select {
	case q.events <- Output{Kind: OutputReady, Buffer: buf}:
		return nil
	case <-q.closed:
		return ErrReleased
	}
}

// Dequeue waits at most timeout for the next event.
func (q *OutputQueue) Dequeue(timeout time.Duration) (Output, error) {
	select {
	case <-q.closed:
		return Output{}, ErrReleased
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-q.events:
		return out, nil
	case <-timer.C:
		return Output{Kind: OutputNone}, nil
	case <-q.closed:
		return Output{}, ErrReleased
	}
}

// Release returns the slot held by buf.
func (q *OutputQueue) Release(buf *OutputBuffer) {
	if buf == nil {
		return
	}
	select {
	case q.slots <- buf.slot:
	default:
	}
}

// Close unblocks every waiter; later calls fail with ErrReleased.
func (q *OutputQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// InputPool lends fixed-size input buffers.
type InputPool struct {
	free chan *InputBuffer

	closeOnce sync.Once
	closed    chan struct{}
}

// NewInputPool allocates n buffers of size bytes.
func NewInputPool(n, size int) *InputPool {
	p := &InputPool{
		free:   make(chan *InputBuffer, n),
		closed: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.free <- &InputBuffer{Data: make([]byte, size), slot: i}
	}
	return p
}

// Acquire waits at most timeout for a buffer; it returns nil, nil on timeout.
func (p *InputPool) Acquire(timeout time.Duration) (*InputBuffer, error) {
	select {
	case <-p.closed:
		return nil, ErrReleased
	case buf := <-p.free:
		return buf, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case buf := <-p.free:
		return buf, nil
	case <-timer.C:
		return nil, nil
	case <-p.closed:
		return nil, ErrReleased
	}
}

// Put returns a buffer to the pool.
func (p *InputPool) Put(buf *InputBuffer) {
	if buf == nil {
		return
	}
	select {
	case p.free <- buf:
	default:
	}
}

// Close fails all pending and future Acquire calls.
func (p *InputPool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
