// Package codec defines the contract between the encoder workers and a
// hardware encoder: bounded-wait dequeue of output, explicit buffer release,
// end-of-stream signalling and a two step stop/release lifecycle.
package codec

import (
	"errors"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

var (
	// ErrReleased is returned by any call made after Release.
	ErrReleased = errors.New("encoder released")
	// ErrNotStarted is returned when the encoder is used before Start.
	ErrNotStarted = errors.New("encoder not started")
)

// OutputKind tells the drain loop what a dequeue produced.
type OutputKind int

const (
	// OutputNone means the wait timed out without output.
	OutputNone OutputKind = iota
	// OutputFormatChanged means the encoder's output format is now known.
	OutputFormatChanged
	// OutputReady means an encoded buffer is ready.
	OutputReady
)

// Output is the result of one DequeueOutput call.
type Output struct {
	Kind   OutputKind
	Format media.TrackDescriptor
	Buffer *OutputBuffer
}

// OutputBuffer is an encoded access unit owned by the encoder until released.
type OutputBuffer struct {
	Data        []byte
	PTS         int64
	KeyFrame    bool
	EndOfStream bool

	slot int
}

// Size returns the payload length.
func (b *OutputBuffer) Size() int { return len(b.Data) }

// Slot returns the pool slot backing the buffer.
func (b *OutputBuffer) Slot() int { return b.slot }

// InputBuffer is a PCM buffer lent to the caller by DequeueInput.
type InputBuffer struct {
	Data []byte
	slot int
}

// Slot returns the pool slot backing the buffer.
func (b *InputBuffer) Slot() int { return b.slot }

// Encoder is the part shared by audio and video hardware encoders.
type Encoder interface {
	Start() error
	// DequeueOutput waits at most timeout for the next output event.
	DequeueOutput(timeout time.Duration) (Output, error)
	// ReleaseOutput hands a buffer back to the encoder.
	ReleaseOutput(buf *OutputBuffer)
	// SignalEndOfInputStream asks the encoder to flush and emit an end-of-stream buffer.
	SignalEndOfInputStream() error
	Stop() error
	Release() error
}

// VideoEncoder consumes frames drawn onto its input surface.
type VideoEncoder interface {
	Encoder
	InputSurface() (media.Surface, error)
}

// AudioEncoder consumes PCM through lent input buffers.
type AudioEncoder interface {
	Encoder
	// DequeueInput waits at most timeout for a free input buffer and
	// returns nil when none became available.
	DequeueInput(timeout time.Duration) (*InputBuffer, error)
	// QueueInput submits size bytes of buf stamped with pts (microseconds).
	QueueInput(buf *InputBuffer, size int, pts int64) error
}

// VideoConfig configures a hardware video encoder.
type VideoConfig struct {
	Width            int
	Height           int
	BitRate          int
	FrameRate        int
	KeyFrameInterval int // seconds
	// Encoder names the hardware encoder, e.g. h264_vaapi. Empty means detect.
	Encoder string
}

// GOP returns the keyframe distance in frames.
func (c VideoConfig) GOP() int {
	if c.FrameRate <= 0 || c.KeyFrameInterval <= 0 {
		return media.VideoFrameRate * media.VideoKeyFrameInterval
	}
	return c.FrameRate * c.KeyFrameInterval
}

// AudioConfig configures a hardware audio encoder.
type AudioConfig struct {
	SampleRate int
	Channels   int
	BitRate    int
	Encoder    string
	// InputSize is the capacity of each input buffer in bytes.
	InputSize int
}

// BufferSize returns InputSize or the default capture block size.
func (c AudioConfig) BufferSize() int {
	if c.InputSize > 0 {
		return c.InputSize
	}
	return media.AudioBlockSize
}

// Factory creates encoders for one session.
type Factory interface {
	NewVideoEncoder(cfg VideoConfig) (VideoEncoder, error)
	NewAudioEncoder(cfg AudioConfig) (AudioEncoder, error)
}
