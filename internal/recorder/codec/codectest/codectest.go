// Package codectest provides in-process encoders that emit well-formed H.264
// and AAC-LC parameter sets, for exercising the pipeline without hardware.
package codectest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// SPS is a baseline-profile 1920x1080 sequence parameter set.
var SPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

// PPS matches SPS.
var PPS = []byte{0x68, 0xce, 0x38, 0x80}

var (
	idrSlice = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	pSlice   = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	startSeq = []byte{0x00, 0x00, 0x00, 0x01}
)

// AACFrame is an arbitrary raw AAC payload.
var AACFrame = []byte{
	0x21, 0x10, 0x56, 0xe5, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// AudioConfig is the AAC-LC 44.1 kHz stereo configuration.
var AudioConfig = mpeg4audio.AudioSpecificConfig{
	Type:         mpeg4audio.ObjectTypeAACLC,
	SampleRate:   media.AudioSampleRate,
	ChannelCount: media.AudioChannels,
}

// VideoDescriptor returns the descriptor the fake video encoder reports.
func VideoDescriptor() media.TrackDescriptor {
	return media.TrackDescriptor{Kind: media.TrackVideo, SPS: SPS, PPS: PPS, Width: 1920, Height: 1080}
}

// AudioDescriptor returns the descriptor the fake audio encoder reports.
func AudioDescriptor() media.TrackDescriptor {
	cfg := AudioConfig
	return media.TrackDescriptor{Kind: media.TrackAudio, Audio: &cfg}
}

// AnnexB joins NAL units with 4-byte start codes.
func AnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, startSeq...)
		out = append(out, n...)
	}
	return out
}

// KeyFrame returns an IDR access unit with in-band parameter sets.
func KeyFrame() []byte { return AnnexB(SPS, PPS, idrSlice) }

// DeltaFrame returns a non-IDR access unit.
func DeltaFrame() []byte { return AnnexB(pSlice) }

// Counters records how the pipeline used a fake encoder.
type Counters struct {
	Emitted  atomic.Int64
	Released atomic.Int64
	Inputs   atomic.Int64
}

type base struct {
	mu       sync.Mutex
	queue    *codec.OutputQueue
	desc     media.TrackDescriptor
	started  bool
	stopped  bool
	released bool
	sentFmt  bool
	eos      bool

	// NoEndOfStream makes SignalEndOfInputStream a no-op, like an encoder
	// that never drains.
	NoEndOfStream bool
	// StopDelay makes Stop hang for that long, like a wedged device.
	StopDelay time.Duration
	Counters  Counters
}

func newBase(desc media.TrackDescriptor) *base {
	return &base{queue: codec.NewOutputQueue(8), desc: desc}
}

func (b *base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return codec.ErrReleased
	}
	b.started = true
	return nil
}

func (b *base) DequeueOutput(timeout time.Duration) (codec.Output, error) {
	return b.queue.Dequeue(timeout)
}

func (b *base) ReleaseOutput(buf *codec.OutputBuffer) {
	b.Counters.Released.Add(1)
	b.queue.Release(buf)
}

func (b *base) SignalEndOfInputStream() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return codec.ErrReleased
	}
	if b.eos || b.NoEndOfStream {
		b.mu.Unlock()
		return nil
	}
	b.eos = true
	b.mu.Unlock()

	go func() {
		_ = b.queue.PushBuffer(&codec.OutputBuffer{EndOfStream: true})
	}()
	return nil
}

func (b *base) Stop() error {
	if b.StopDelay > 0 {
		time.Sleep(b.StopDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return codec.ErrReleased
	}
	b.stopped = true
	return nil
}

func (b *base) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.queue.Close()
	return nil
}

// Released reports whether Release was called.
func (b *base) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// PushFormat injects an output-format event.
func (b *base) PushFormat(desc media.TrackDescriptor) error {
	return b.queue.PushFormat(desc)
}

// PushBuffer injects an encoded buffer.
func (b *base) PushBuffer(data []byte, pts int64, key bool) error {
	b.Counters.Emitted.Add(1)
	return b.queue.PushBuffer(&codec.OutputBuffer{Data: data, PTS: pts, KeyFrame: key})
}

// emit publishes the format once and then one buffer.
func (b *base) emit(data []byte, pts int64, key bool) error {
	b.mu.Lock()
	if !b.started || b.released {
		b.mu.Unlock()
		return codec.ErrNotStarted
	}
	if b.eos {
		b.mu.Unlock()
		return nil
	}
	first := !b.sentFmt
	b.sentFmt = true
	b.mu.Unlock()

	if first {
		if err := b.queue.PushFormat(b.desc); err != nil {
			return err
		}
	}
	return b.PushBuffer(data, pts, key)
}

// VideoEncoder turns every drawn frame into one access unit.
type VideoEncoder struct {
	*base
	cfg    codec.VideoConfig
	frames atomic.Int64
}

// NewVideoEncoder creates a fake surface-input video encoder.
func NewVideoEncoder(cfg codec.VideoConfig) *VideoEncoder {
	return &VideoEncoder{base: newBase(VideoDescriptor()), cfg: cfg}
}

// Config returns the configuration the encoder was created with.
func (e *VideoEncoder) Config() codec.VideoConfig { return e.cfg }

// InputSurface implements codec.VideoEncoder.
func (e *VideoEncoder) InputSurface() (media.Surface, error) {
	return &surface{enc: e}, nil
}

type surface struct{ enc *VideoEncoder }

func (s *surface) DrawFrame(f media.Frame) error {
	e := s.enc
	e.Counters.Inputs.Add(1)
	n := e.frames.Add(1) - 1
	if n%int64(e.cfg.GOP()) == 0 {
		return e.emit(KeyFrame(), f.PTS, true)
	}
	return e.emit(DeltaFrame(), f.PTS, false)
}

func (s *surface) Size() (int, int) { return s.enc.cfg.Width, s.enc.cfg.Height }

// AudioEncoder turns every queued input buffer into one AAC frame.
type AudioEncoder struct {
	*base
	cfg  codec.AudioConfig
	pool *codec.InputPool

	sizesMu sync.Mutex
	sizes   []int
}

// NewAudioEncoder creates a fake buffer-input audio encoder with n input buffers.
func NewAudioEncoder(cfg codec.AudioConfig, n int) *AudioEncoder {
	return &AudioEncoder{
		base: newBase(AudioDescriptor()),
		cfg:  cfg,
		pool: codec.NewInputPool(n, cfg.BufferSize()),
	}
}

// DequeueInput implements codec.AudioEncoder.
func (e *AudioEncoder) DequeueInput(timeout time.Duration) (*codec.InputBuffer, error) {
	return e.pool.Acquire(timeout)
}

// QueueInput implements codec.AudioEncoder.
func (e *AudioEncoder) QueueInput(buf *codec.InputBuffer, size int, pts int64) error {
	defer e.pool.Put(buf)
	if size <= 0 || size > len(buf.Data) {
		return errors.New("invalid input size")
	}
	e.Counters.Inputs.Add(1)
	e.sizesMu.Lock()
	e.sizes = append(e.sizes, size)
	e.sizesMu.Unlock()
	return e.emit(append([]byte(nil), AACFrame...), pts, true)
}

// InputSizes returns the size of every accepted input, in order.
func (e *AudioEncoder) InputSizes() []int {
	e.sizesMu.Lock()
	defer e.sizesMu.Unlock()
	return append([]int(nil), e.sizes...)
}

// Release implements codec.Encoder.
func (e *AudioEncoder) Release() error {
	e.pool.Close()
	return e.base.Release()
}

// Factory hands out fake encoders and remembers them.
type Factory struct {
	mu sync.Mutex

	VideoErr     error
	AudioErr     error
	InputBuffers int
	// NoEndOfStream and StopDelay are applied to every created encoder.
	NoEndOfStream bool
	StopDelay     time.Duration

	Videos []*VideoEncoder
	Audios []*AudioEncoder
}

// NewVideoEncoder implements codec.Factory.
func (f *Factory) NewVideoEncoder(cfg codec.VideoConfig) (codec.VideoEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VideoErr != nil {
		return nil, f.VideoErr
	}
	enc := NewVideoEncoder(cfg)
	enc.NoEndOfStream = f.NoEndOfStream
	enc.StopDelay = f.StopDelay
	f.Videos = append(f.Videos, enc)
	return enc, nil
}

// NewAudioEncoder implements codec.Factory.
func (f *Factory) NewAudioEncoder(cfg codec.AudioConfig) (codec.AudioEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AudioErr != nil {
		return nil, f.AudioErr
	}
	n := f.InputBuffers
	if n == 0 {
		n = 4
	}
	enc := NewAudioEncoder(cfg, n)
	enc.NoEndOfStream = f.NoEndOfStream
	enc.StopDelay = f.StopDelay
	f.Audios = append(f.Audios, enc)
	return enc, nil
}

// LastVideo returns the most recently created video encoder.
func (f *Factory) LastVideo() *VideoEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Videos) == 0 {
		return nil
	}
	return f.Videos[len(f.Videos)-1]
}

// LastAudio returns the most recently created audio encoder.
func (f *Factory) LastAudio() *AudioEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Audios) == 0 {
		return nil
	}
	return f.Audios[len(f.Audios)-1]
}
