package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/avc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/ffproc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// outputSlots bounds how many encoded buffers the consumer may hold.
const outputSlots = 8

var audPrefix = []byte{0x00, 0x00, 0x01, 0x09}

// auSplitter cuts an Annex-B byte stream into access units at access unit
// delimiters.
type auSplitter struct {
	buf  []byte
	scan int
}

// Feed appends p and returns every access unit completed by it.
func (s *auSplitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for {
		from := s.scan
		if from < 1 {
			// skip the delimiter that opens the current unit
			from = 1
		}
		i := bytes.Index(s.buf[from:], audPrefix)
		if i < 0 {
			if tail := len(s.buf) - len(audPrefix); tail > s.scan {
				s.scan = tail
			}
			return out
		}
		cut := from + i
		if cut > 0 && s.buf[cut-1] == 0x00 {
			cut--
		}
		if cut > 0 {
			au := make([]byte, cut)
			copy(au, s.buf[:cut])
			out = append(out, au)
		}
		s.buf = s.buf[cut:]
		s.scan = len(audPrefix) + 1
	}
}

// Flush returns the trailing access unit.
func (s *auSplitter) Flush() []byte {
	au := s.buf
	s.buf, s.scan = nil, 0
	if len(au) == 0 {
		return nil
	}
	return au
}

// ptsQueue pairs submitted frame timestamps with encoded access units. The
// encoder runs without B-frames, so output order equals input order.
type ptsQueue struct {
	mu    sync.Mutex
	items []int64
	last  int64
	step  int64
}

func (q *ptsQueue) push(pts int64) {
	q.mu.Lock()
	q.items = append(q.items, pts)
	q.mu.Unlock()
}

func (q *ptsQueue) pop() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.last += q.step
		return q.last
	}
	pts := q.items[0]
	q.items = q.items[1:]
	q.last = pts
	return pts
}

// VideoEncoder encodes surface frames with a hardware H.264 encoder.
type VideoEncoder struct {
	path    string
	encoder string
	cfg     codec.VideoConfig
	logger  *slog.Logger

	queue *codec.OutputQueue
	pts   *ptsQueue

	mu       sync.Mutex
	proc     *ffproc.Process
	eos      bool
	released bool
	readDone chan struct{}
}

// NewVideoEncoder configures an encoder; nothing runs until Start.
func NewVideoEncoder(path, encoder string, cfg codec.VideoConfig, logger *slog.Logger) *VideoEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	frameRate := cfg.FrameRate
	if frameRate <= 0 {
		frameRate = media.VideoFrameRate
	}
	return &VideoEncoder{
		path:    path,
		encoder: encoder,
		cfg:     cfg,
		logger:  logger.With("component", "video-encoder", "encoder", encoder),
		queue:   codec.NewOutputQueue(outputSlots),
		pts:     &ptsQueue{step: 1_000_000 / int64(frameRate)},
	}
}

// Start implements codec.Encoder.
func (e *VideoEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return codec.ErrReleased
	}
	if e.proc != nil {
		return nil
	}
	proc, err := ffproc.Start(ffproc.Options{
		Path:   e.path,
		Args:   VideoArgs(e.encoder, e.cfg),
		Stdin:  true,
		Stdout: true,
		Logger: e.logger,
		Name:   e.encoder,
	})
	if err != nil {
		return fmt.Errorf("start video encoder: %w", err)
	}
	e.proc = proc
	e.readDone = make(chan struct{})
	go e.readLoop(proc)
	return nil
}

func (e *VideoEncoder) readLoop(proc *ffproc.Process) {
	defer close(e.readDone)
	var (
		splitter auSplitter
		sentFmt  bool
		buf      = make([]byte, 64*1024)
	)

	emit := func(au []byte) error {
		nalus, err := avc.Split(au)
		if err != nil {
			return nil
		}
		if !sentFmt {
			sps, pps := avc.ParameterSets(nalus)
			if sps == nil || pps == nil {
				e.logger.Debug("dropping access unit before parameter sets")
				e.pts.pop()
				return nil
			}
			desc := media.TrackDescriptor{
				Kind: media.TrackVideo,
				SPS:  append([]byte(nil), sps...),
				PPS:  append([]byte(nil), pps...),
			}
			desc.Width, desc.Height, _ = avc.PictureSize(sps)
			if err := e.queue.PushFormat(desc); err != nil {
				return err
			}
			sentFmt = true
		}
		return e.queue.PushBuffer(&codec.OutputBuffer{
			Data:     au,
			PTS:      e.pts.pop(),
			KeyFrame: avc.IsKeyFrame(nalus),
		})
	}

	out := proc.Stdout()
	defer out.Close()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, au := range splitter.Feed(buf[:n]) {
				if emit(au) != nil {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.logger.Warn("encoder output failed", "error", err)
			}
			break
		}
	}
	if au := splitter.Flush(); au != nil {
		if emit(au) != nil {
			return
		}
	}
	_ = e.queue.PushBuffer(&codec.OutputBuffer{EndOfStream: true})
}

// InputSurface implements codec.VideoEncoder.
func (e *VideoEncoder) InputSurface() (media.Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, codec.ErrReleased
	}
	return &inputSurface{enc: e}, nil
}

type inputSurface struct{ enc *VideoEncoder }

func (s *inputSurface) DrawFrame(f media.Frame) error {
	e := s.enc
	want := e.cfg.Width * e.cfg.Height * 4
	if len(f.Data) != want {
		return fmt.Errorf("frame is %d bytes, surface expects %d", len(f.Data), want)
	}

	e.mu.Lock()
	proc, eos := e.proc, e.eos
	e.mu.Unlock()
	if proc == nil {
		return codec.ErrNotStarted
	}
	if eos {
		return io.ErrClosedPipe
	}

	e.pts.push(f.PTS)
	if _, err := proc.Stdin().Write(f.Data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *inputSurface) Size() (int, int) { return s.enc.cfg.Width, s.enc.cfg.Height }

// DequeueOutput implements codec.Encoder.
func (e *VideoEncoder) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	return e.queue.Dequeue(timeout)
}

// ReleaseOutput implements codec.Encoder.
func (e *VideoEncoder) ReleaseOutput(buf *codec.OutputBuffer) { e.queue.Release(buf) }

// SignalEndOfInputStream closes the encoder input; the end-of-stream buffer
// follows once ffmpeg has flushed.
func (e *VideoEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return codec.ErrReleased
	}
	if e.proc == nil || e.eos {
		return nil
	}
	e.eos = true
	return e.proc.CloseInput()
}

// Stop implements codec.Encoder.
func (e *VideoEncoder) Stop() error {
	e.mu.Lock()
	proc := e.proc
	e.eos = true
	e.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop(ffproc.DefaultGrace)
}

// Release implements codec.Encoder.
func (e *VideoEncoder) Release() error {
	err := e.Stop()
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	e.queue.Close()
	return err
}
