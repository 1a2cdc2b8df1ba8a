package source

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/ffproc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// FFmpeg captures the desktop and the system audio mix with ffmpeg input
// devices: x11grab and PulseAudio on Linux, avfoundation on macOS, gdigrab
// and dshow on Windows.
type FFmpeg struct {
	Path string
	// Display is the capture input, e.g. ":0.0", "1" or "desktop".
	Display string
	// AudioDevice is the loopback input, e.g. a PulseAudio monitor.
	AudioDevice string
	GOOS        string
	Logger      *slog.Logger
}

func (p *FFmpeg) goos() string {
	if p.GOOS != "" {
		return p.GOOS
	}
	return runtime.GOOS
}

func (p *FFmpeg) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// ScreenArgs returns the ffmpeg arguments producing raw BGRA frames of f on stdout.
func (p *FFmpeg) ScreenArgs(f VideoFormat) []string {
	rate := strconv.Itoa(f.FrameRate)
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch p.goos() {
	case "darwin":
		display := p.Display
		if display == "" {
			display = "1"
		}
		args = append(args, "-f", "avfoundation", "-capture_cursor", "1", "-framerate", rate, "-i", display+":none")
	case "windows":
		display := p.Display
		if display == "" {
			display = "desktop"
		}
		args = append(args, "-f", "gdigrab", "-framerate", rate, "-i", display)
	default:
		display := p.Display
		if display == "" {
			display = ":0.0"
		}
		args = append(args, "-f", "x11grab", "-framerate", rate, "-i", display)
	}
	return append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", f.Width, f.Height),
		"-pix_fmt", "bgra",
		"-f", "rawvideo",
		"-",
	)
}

// AudioArgs returns the ffmpeg arguments producing s16le PCM of f on stdout.
func (p *FFmpeg) AudioArgs(f AudioFormat) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch p.goos() {
	case "darwin":
		device := p.AudioDevice
		if device == "" {
			device = "BlackHole 2ch"
		}
		args = append(args, "-f", "avfoundation", "-i", ":"+device)
	case "windows":
		device := p.AudioDevice
		if device == "" {
			device = "virtual-audio-capturer"
		}
		args = append(args, "-f", "dshow", "-i", "audio="+device)
	default:
		device := p.AudioDevice
		if device == "" {
			device = "@DEFAULT_MONITOR@"
		}
		args = append(args, "-f", "pulse", "-i", device)
	}
	return append(args,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-",
	)
}

// NewFrameSource implements Provider.
func (p *FFmpeg) NewFrameSource(g *Grant, f VideoFormat) (FrameSource, error) {
	if err := g.Valid(); err != nil {
		return nil, err
	}
	return &screenSource{
		provider: p,
		grant:    g,
		format:   f,
		logger:   p.logger().With("component", "screen-source"),
	}, nil
}

// NewAudioSource implements Provider.
func (p *FFmpeg) NewAudioSource(g *Grant, f AudioFormat) (AudioSource, error) {
	if err := g.Valid(); err != nil {
		return nil, err
	}
	return &loopbackSource{
		provider: p,
		grant:    g,
		format:   f,
		logger:   p.logger().With("component", "loopback-source"),
		chunks:   make(chan []byte, 64),
		closed:   make(chan struct{}),
	}, nil
}

type screenSource struct {
	provider *FFmpeg
	grant    *Grant
	format   VideoFormat
	logger   *slog.Logger

	mu       sync.Mutex
	proc     *ffproc.Process
	done     chan struct{}
	stopping atomic.Bool
	released bool
}

func (s *screenSource) Attach(surface media.Surface, clock *media.CaptureClock) error {
	if err := s.grant.Valid(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrClosed
	}
	if s.proc != nil {
		return fmt.Errorf("screen source already attached")
	}

	proc, err := ffproc.Start(ffproc.Options{
		Path:   s.provider.Path,
		Args:   s.provider.ScreenArgs(s.format),
		Stdout: true,
		Logger: s.logger,
		Name:   "screen",
	})
	if err != nil {
		return fmt.Errorf("start screen capture: %w", err)
	}
	s.proc = proc
	s.done = make(chan struct{})
	go s.pump(proc, surface, clock)
	return nil
}

// pump reads whole frames and draws them onto the surface.
func (s *screenSource) pump(proc *ffproc.Process, surface media.Surface, clock *media.CaptureClock) {
	defer close(s.done)
	defer proc.Stdout().Close()
	frameSize := s.format.Width * s.format.Height * 4
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(proc.Stdout(), buf); err != nil {
			if !s.stopping.Load() {
				s.logger.Warn("screen capture ended unexpectedly", "error", err, "stderr", proc.Stderr())
				s.grant.Revoke("screen capture ended")
			}
			return
		}
		frame := media.Frame{Data: buf, Width: s.format.Width, Height: s.format.Height, PTS: clock.Micros()}
		if err := surface.DrawFrame(frame); err != nil {
			if !s.stopping.Load() {
				s.logger.Debug("surface rejected frame", "error", err)
			}
			return
		}
	}
}

func (s *screenSource) Stop() error {
	s.stopping.Store(true)
	s.mu.Lock()
	proc, done := s.proc, s.done
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	err := proc.Stop(ffproc.DefaultGrace)
	select {
	case <-done:
	case <-time.After(ffproc.DefaultGrace):
		s.logger.Warn("frame pump did not exit")
	}
	return err
}

func (s *screenSource) Release() error {
	err := s.Stop()
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return err
}

type loopbackSource struct {
	provider *FFmpeg
	grant    *Grant
	format   AudioFormat
	logger   *slog.Logger

	mu       sync.Mutex
	proc     *ffproc.Process
	pending  []byte
	chunks   chan []byte
	closed   chan struct{}
	once     sync.Once
	stopping atomic.Bool
}

func (s *loopbackSource) Start() error {
	if err := s.grant.Valid(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil
	}
	proc, err := ffproc.Start(ffproc.Options{
		Path:   s.provider.Path,
		Args:   s.provider.AudioArgs(s.format),
		Stdout: true,
		Logger: s.logger,
		Name:   "loopback",
	})
	if err != nil {
		return fmt.Errorf("start audio capture: %w", err)
	}
	s.proc = proc
	go s.pump(proc)
	return nil
}

func (s *loopbackSource) pump(proc *ffproc.Process) {
	defer s.close()
	defer proc.Stdout().Close()
	for {
		buf := make([]byte, media.AudioBlockSize)
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			if !s.stopping.Load() {
				s.logger.Warn("audio capture ended unexpectedly", "error", err, "stderr", proc.Stderr())
				s.grant.Revoke("audio capture ended")
			}
			return
		}
	}
}

func (s *loopbackSource) close() {
	s.once.Do(func() { close(s.closed) })
}

// Read copies buffered PCM into p. Only the capture loop calls it.
func (s *loopbackSource) Read(p []byte, timeout time.Duration) (int, error) {
	if len(s.pending) == 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.closed:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *loopbackSource) Stop() error {
	s.stopping.Store(true)
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	var err error
	if proc != nil {
		err = proc.Stop(ffproc.DefaultGrace)
	}
	s.close()
	return err
}

func (s *loopbackSource) Release() error {
	return s.Stop()
}
