package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/ffproc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// inputBuffers is the number of PCM buffers lent to the capture loop.
const inputBuffers = 4

var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

type adtsHeader struct {
	headerLen  int
	frameLen   int
	objectType mpeg4audio.ObjectType
	sampleRate int
	channels   int
}

// parseADTSHeader decodes the fixed and variable ADTS header fields.
func parseADTSHeader(h []byte) (adtsHeader, error) {
	if len(h) < 7 {
		return adtsHeader{}, io.ErrUnexpectedEOF
	}
	if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
		return adtsHeader{}, errors.New("missing ADTS syncword")
	}
	hdr := adtsHeader{headerLen: 7}
	if h[1]&0x01 == 0 {
		hdr.headerLen = 9
	}
	hdr.objectType = mpeg4audio.ObjectType((h[2]>>6)&0x03) + 1
	idx := int((h[2] >> 2) & 0x0F)
	if idx >= len(adtsSampleRates) {
		return adtsHeader{}, fmt.Errorf("invalid sampling frequency index %d", idx)
	}
	hdr.sampleRate = adtsSampleRates[idx]
	hdr.channels = int((h[2]&0x01)<<2 | (h[3]>>6)&0x03)
	hdr.frameLen = int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
	if hdr.frameLen < hdr.headerLen {
		return adtsHeader{}, fmt.Errorf("invalid ADTS frame length %d", hdr.frameLen)
	}
	return hdr, nil
}

// readADTS reads one ADTS frame and returns its header and raw payload.
func readADTS(r *bufio.Reader) (adtsHeader, []byte, error) {
	head, err := r.Peek(7)
	if err != nil {
		return adtsHeader{}, nil, err
	}
	hdr, err := parseADTSHeader(head)
	if err != nil {
		return adtsHeader{}, nil, err
	}
	frame := make([]byte, hdr.frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return adtsHeader{}, nil, err
	}
	return hdr, frame[hdr.headerLen:], nil
}

// AudioEncoder encodes PCM to AAC-LC with ffmpeg.
type AudioEncoder struct {
	path   string
	cfg    codec.AudioConfig
	logger *slog.Logger

	queue *codec.OutputQueue
	pool  *codec.InputPool

	mu        sync.Mutex
	proc      *ffproc.Process
	pending   chan pendingInput
	firstPTS  int64
	haveFirst bool
	eos       bool
	released  bool
}

// pendingInput is a queued PCM buffer the stdin writer has not consumed yet.
type pendingInput struct {
	buf  *codec.InputBuffer
	size int
}

// NewAudioEncoder configures an encoder; nothing runs until Start.
func NewAudioEncoder(path string, cfg codec.AudioConfig, logger *slog.Logger) *AudioEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = media.AudioSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = media.AudioChannels
	}
	return &AudioEncoder{
		path:   path,
		cfg:    cfg,
		logger: logger.With("component", "audio-encoder"),
		queue:  codec.NewOutputQueue(outputSlots),
		pool:   codec.NewInputPool(inputBuffers, cfg.BufferSize()),
	}
}

// Start implements codec.Encoder.
func (e *AudioEncoder) Start() error {
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
		Args:   AudioArgs(e.cfg),
		Stdin:  true,
		Stdout: true,
		Logger: e.logger,
		Name:   "aac",
	})
	if err != nil {
		return fmt.Errorf("start audio encoder: %w", err)
	}
	e.proc = proc
	// Every lent buffer fits, so queuing never blocks the capture loop.
	e.pending = make(chan pendingInput, inputBuffers)
	go e.writeLoop(proc, e.pending)
	go e.readLoop(proc)
	return nil
}

// writeLoop feeds queued PCM to ffmpeg and returns each buffer to the pool
// only once its write completes, so a stalled encoder drains the pool and
// the capture loop starts dropping instead of blocking.
func (e *AudioEncoder) writeLoop(proc *ffproc.Process, pending <-chan pendingInput) {
	failed := false
	for in := range pending {
		if !failed {
			if _, err := proc.Stdin().Write(in.buf.Data[:in.size]); err != nil {
				e.logger.Debug("pcm write failed", "error", err)
				failed = true
			}
		}
		e.pool.Put(in.buf)
	}
	_ = proc.CloseInput()
}

// framePTS stamps the n-th encoded frame relative to the first queued input.
func (e *AudioEncoder) framePTS(n int64) int64 {
	e.mu.Lock()
	base := e.firstPTS
	e.mu.Unlock()
	return base + n*media.AACFrameSamples*1_000_000/int64(e.cfg.SampleRate)
}

func (e *AudioEncoder) readLoop(proc *ffproc.Process) {
	out := proc.Stdout()
	defer out.Close()
	r := bufio.NewReaderSize(out, 16*1024)
	var n int64
	for {
		hdr, payload, err := readADTS(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.logger.Warn("encoder output failed", "error", err)
			}
			break
		}
		if n == 0 {
			desc := media.TrackDescriptor{
				Kind: media.TrackAudio,
				Audio: &mpeg4audio.AudioSpecificConfig{
					Type:         hdr.objectType,
					SampleRate:   hdr.sampleRate,
					ChannelCount: hdr.channels,
				},
			}
			if e.queue.PushFormat(desc) != nil {
				return
			}
		}
		buf := &codec.OutputBuffer{Data: payload, PTS: e.framePTS(n), KeyFrame: true}
		if e.queue.PushBuffer(buf) != nil {
			return
		}
		n++
	}
	_ = e.queue.PushBuffer(&codec.OutputBuffer{EndOfStream: true})
}

// DequeueInput implements codec.AudioEncoder.
func (e *AudioEncoder) DequeueInput(timeout time.Duration) (*codec.InputBuffer, error) {
	return e.pool.Acquire(timeout)
}

// QueueInput hands size bytes of buf to the stdin writer. The buffer goes
// back to the pool after ffmpeg has consumed it.
func (e *AudioEncoder) QueueInput(buf *codec.InputBuffer, size int, pts int64) error {
	if buf == nil {
		return errors.New("nil input buffer")
	}
	if size <= 0 || size > len(buf.Data) {
		e.pool.Put(buf)
		return fmt.Errorf("invalid input size %d", size)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		e.pool.Put(buf)
		return codec.ErrNotStarted
	}
	if e.eos {
		e.pool.Put(buf)
		return io.ErrClosedPipe
	}
	if !e.haveFirst {
		e.firstPTS = pts
		e.haveFirst = true
	}
	select {
	case e.pending <- pendingInput{buf: buf, size: size}:
		return nil
	default:
		e.pool.Put(buf)
		return errors.New("input queue full")
	}
}

// DequeueOutput implements codec.Encoder.
func (e *AudioEncoder) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	return e.queue.Dequeue(timeout)
}

// ReleaseOutput implements codec.Encoder.
func (e *AudioEncoder) ReleaseOutput(buf *codec.OutputBuffer) { e.queue.Release(buf) }

// SignalEndOfInputStream closes the encoder input.
func (e *AudioEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return codec.ErrReleased
	}
	if e.proc == nil || e.eos {
		return nil
	}
	e.eos = true
	// The writer closes stdin once everything queued is written.
	close(e.pending)
	return nil
}

// Stop implements codec.Encoder.
func (e *AudioEncoder) Stop() error {
	e.mu.Lock()
	proc := e.proc
	if proc == nil {
		e.mu.Unlock()
		return nil
	}
	if !e.eos {
		e.eos = true
		close(e.pending)
	}
	e.mu.Unlock()
	return proc.Stop(ffproc.DefaultGrace)
}

// Release implements codec.Encoder.
func (e *AudioEncoder) Release() error {
	err := e.Stop()
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	e.pool.Close()
	e.queue.Close()
	return err
}
