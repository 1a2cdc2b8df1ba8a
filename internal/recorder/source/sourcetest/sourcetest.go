// Package sourcetest provides paced in-process capture sources.
package sourcetest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
)

// FrameSource draws a blank frame every 1/FrameRate seconds.
type FrameSource struct {
	grant  *source.Grant
	format source.VideoFormat

	AttachErr error
	// StopDelay makes the first Stop hang for that long.
	StopDelay time.Duration

	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	Frames   atomic.Int64
	Stopped  atomic.Bool
	Released atomic.Bool
}

// Attach implements source.FrameSource.
func (s *FrameSource) Attach(surface media.Surface, clock *media.CaptureClock) error {
	if err := s.grant.Valid(); err != nil {
		return err
	}
	if s.AttachErr != nil {
		return s.AttachErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("already attached")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	rate := s.format.FrameRate
	if rate <= 0 {
		rate = media.VideoFrameRate
	}
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(time.Second / time.Duration(rate))
		defer ticker.Stop()
		data := make([]byte, 4)
		for {
			select {
			case <-stop:
				return
			case <-s.grant.Revoked():
				return
			case <-ticker.C:
			}
			f := media.Frame{Data: data, Width: s.format.Width, Height: s.format.Height, PTS: clock.Micros()}
			if err := surface.DrawFrame(f); err != nil {
				return
			}
			s.Frames.Add(1)
		}
	}(s.stop, s.done)
	return nil
}

// Stop implements source.FrameSource.
func (s *FrameSource) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if s.Stopped.Swap(true) {
		return nil
	}
	if s.StopDelay > 0 {
		time.Sleep(s.StopDelay)
	}
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Release implements source.FrameSource.
func (s *FrameSource) Release() error {
	_ = s.Stop()
	s.Released.Store(true)
	return nil
}

// AudioSource yields one PCM block per block duration of real time.
type AudioSource struct {
	grant  *source.Grant
	format source.AudioFormat

	StartErr error
	// Silent makes every Read time out.
	Silent bool
	// StopDelay makes the first Stop hang for that long.
	StopDelay time.Duration

	once     sync.Once
	closed   chan struct{}
	next     time.Time
	Reads    atomic.Int64
	Started  atomic.Bool
	Stopped  atomic.Bool
	Released atomic.Bool
}

// Start implements source.AudioSource.
func (s *AudioSource) Start() error {
	if err := s.grant.Valid(); err != nil {
		return err
	}
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Started.Store(true)
	return nil
}

func (s *AudioSource) blockDuration(n int) time.Duration {
	frameBytes := s.format.Channels * media.AudioBitsPerSample / 8
	if frameBytes <= 0 || s.format.SampleRate <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(n/frameBytes) * time.Second / time.Duration(s.format.SampleRate)
}

// Read implements source.AudioSource.
func (s *AudioSource) Read(p []byte, timeout time.Duration) (int, error) {
	if s.Silent {
		select {
		case <-s.closed:
			return 0, io.EOF
		case <-time.After(timeout):
			return 0, nil
		}
	}

	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		if wait > timeout {
			wait = timeout
		}
		select {
		case <-s.closed:
			return 0, io.EOF
		case <-time.After(wait):
		}
		if time.Now().Before(s.next) {
			return 0, nil
		}
	}

	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	s.next = s.next.Add(s.blockDuration(len(p)))
	for i := range p {
		p[i] = byte(i)
	}
	s.Reads.Add(1)
	return len(p), nil
}

// Stop implements source.AudioSource.
func (s *AudioSource) Stop() error {
	if !s.Stopped.Swap(true) && s.StopDelay > 0 {
		time.Sleep(s.StopDelay)
	}
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Release implements source.AudioSource.
func (s *AudioSource) Release() error {
	_ = s.Stop()
	s.Released.Store(true)
	return nil
}

// NewAudioSource creates a paced PCM source guarded by g.
func NewAudioSource(g *source.Grant, f source.AudioFormat) *AudioSource {
	return &AudioSource{grant: g, format: f, closed: make(chan struct{})}
}

// NewFrameSource creates a paced frame source guarded by g.
func NewFrameSource(g *source.Grant, f source.VideoFormat) *FrameSource {
	return &FrameSource{grant: g, format: f}
}

// Provider hands out fake sources and remembers them.
type Provider struct {
	mu sync.Mutex

	FrameErr  error
	AudioErr  error
	AttachErr error
	StartErr  error
	Silent    bool
	// StopDelay is applied to every created source.
	StopDelay time.Duration

	Frames []*FrameSource
	Audios []*AudioSource
}

// NewFrameSource implements source.Provider.
func (p *Provider) NewFrameSource(g *source.Grant, f source.VideoFormat) (source.FrameSource, error) {
	if err := g.Valid(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FrameErr != nil {
		return nil, p.FrameErr
	}
	s := NewFrameSource(g, f)
	s.AttachErr = p.AttachErr
	s.StopDelay = p.StopDelay
	p.Frames = append(p.Frames, s)
	return s, nil
}

// NewAudioSource implements source.Provider.
func (p *Provider) NewAudioSource(g *source.Grant, f source.AudioFormat) (source.AudioSource, error) {
	if err := g.Valid(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AudioErr != nil {
		return nil, p.AudioErr
	}
	s := NewAudioSource(g, f)
	s.StartErr = p.StartErr
	s.Silent = p.Silent
	s.StopDelay = p.StopDelay
	p.Audios = append(p.Audios, s)
	return s, nil
}

// LastFrame returns the most recent frame source.
func (p *Provider) LastFrame() *FrameSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Frames) == 0 {
		return nil
	}
	return p.Frames[len(p.Frames)-1]
}

// LastAudio returns the most recent audio source.
func (p *Provider) LastAudio() *AudioSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Audios) == 0 {
		return nil
	}
	return p.Audios[len(p.Audios)-1]
}
