package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
)

// EncoderAuto selects the first hardware encoder found by the Detector.
const EncoderAuto = "auto"

// Factory creates ffmpeg-backed encoders.
type Factory struct {
	Path     string
	Detector *Detector
	Logger   *slog.Logger

	mu            sync.Mutex
	resolved      string
	resolvedAudio string
}

// NewFactory returns a Factory that runs the ffmpeg binary at path.
func NewFactory(path string, logger *slog.Logger) *Factory {
	if path == "" {
		path = "ffmpeg"
	}
	return &Factory{
		Path:     path,
		Detector: &Detector{FFmpegPath: path},
		Logger:   logger,
	}
}

// Resolve maps a configured encoder name to a usable hardware encoder.
// The auto result is cached for the lifetime of the Factory.
func (f *Factory) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" || name == EncoderAuto {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.resolved != "" {
			return f.resolved, nil
		}
		det := f.Detector
		if det == nil {
			det = &Detector{FFmpegPath: f.Path}
		}
		found, err := det.Detect(ctx)
		if err != nil {
			return "", err
		}
		f.resolved = found
		return found, nil
	}
	if !IsHardware(name) {
		return "", fmt.Errorf("%w: %q is not a hardware encoder", ErrNoHardwareEncoder, name)
	}
	return name, nil
}

// ResolveAudio maps a configured AAC encoder name to the one to run.
func (f *Factory) ResolveAudio(ctx context.Context, name string) string {
	if name != "" && name != EncoderAuto {
		return name
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolvedAudio == "" {
		det := f.Detector
		if det == nil {
			det = &Detector{FFmpegPath: f.Path}
		}
		f.resolvedAudio = det.AudioEncoder(ctx)
	}
	return f.resolvedAudio
}

// NewVideoEncoder implements codec.Factory.
func (f *Factory) NewVideoEncoder(cfg codec.VideoConfig) (codec.VideoEncoder, error) {
	name, err := f.Resolve(context.Background(), cfg.Encoder)
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", cfg.Width, cfg.Height)
	}
	return NewVideoEncoder(f.Path, name, cfg, f.Logger), nil
}

// NewAudioEncoder implements codec.Factory.
func (f *Factory) NewAudioEncoder(cfg codec.AudioConfig) (codec.AudioEncoder, error) {
	if cfg.BitRate <= 0 {
		return nil, fmt.Errorf("invalid audio bitrate %d", cfg.BitRate)
	}
	cfg.Encoder = f.ResolveAudio(context.Background(), cfg.Encoder)
	return NewAudioEncoder(f.Path, cfg, f.Logger), nil
}
