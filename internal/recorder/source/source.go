// Package source provides the capture inputs of a recording: a frame source
// that renders the screen into the video encoder's surface and a loopback
// audio source yielding PCM. Both require a live capture Grant.
package source

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

var (
	// ErrNotAuthorized is returned when no grant was supplied.
	ErrNotAuthorized = errors.New("capture not authorized")
	// ErrRevoked is returned when the grant was withdrawn.
	ErrRevoked = errors.New("capture authorization revoked")
	// ErrClosed is returned by reads on a stopped source.
	ErrClosed = errors.New("source closed")
)

// Grant is a revocable capture authorization. Revocation may happen at any
// time from any goroutine.
type Grant struct {
	ID string

	once    sync.Once
	revoked chan struct{}
	reason  atomic.Value
}

// NewGrant issues a live grant.
func NewGrant() *Grant {
	return &Grant{ID: uuid.NewString(), revoked: make(chan struct{})}
}

// Revoke withdraws the grant. Only the first reason is kept.
func (g *Grant) Revoke(reason string) {
	g.once.Do(func() {
		g.reason.Store(reason)
		close(g.revoked)
	})
}

// Revoked is closed once the grant is withdrawn.
func (g *Grant) Revoked() <-chan struct{} { return g.revoked }

// Reason returns why the grant was revoked.
func (g *Grant) Reason() string {
	if r, ok := g.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Valid returns nil while g can be used to capture.
func (g *Grant) Valid() error {
	if g == nil {
		return ErrNotAuthorized
	}
	select {
	case <-g.revoked:
		return ErrRevoked
	default:
		return nil
	}
}

// FrameSource renders captured frames into an encoder surface.
type FrameSource interface {
	// Attach starts rendering into s, stamping frames with clock.
	Attach(s media.Surface, clock *media.CaptureClock) error
	Stop() error
	Release() error
}

// AudioSource yields interleaved s16le PCM.
type AudioSource interface {
	Start() error
	// Read waits at most timeout; it returns 0, nil when nothing arrived.
	Read(p []byte, timeout time.Duration) (int, error)
	Stop() error
	Release() error
}

// VideoFormat describes the frames a FrameSource produces.
type VideoFormat struct {
	Width     int
	Height    int
	FrameRate int
}

// AudioFormat describes the PCM an AudioSource produces.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Provider opens sources for a session.
type Provider interface {
	NewFrameSource(g *Grant, f VideoFormat) (FrameSource, error)
	NewAudioSource(g *Grant, f AudioFormat) (AudioSource, error)
}
