// Package ffmpeg implements the hardware encoder contract on top of ffmpeg
// child processes using GPU H.264 encoders and the AAC encoder.
package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ErrNoHardwareEncoder is returned when no hardware H.264 encoder can be used.
// There is no software fallback.
var ErrNoHardwareEncoder = errors.New("no hardware H.264 encoder available")

// Hardware encoders in preference order.
const (
	EncoderNVENC        = "h264_nvenc"
	EncoderVAAPI        = "h264_vaapi"
	EncoderQSV          = "h264_qsv"
	EncoderVideoToolbox = "h264_videotoolbox"
)

// VAAPIDevice is the render node used by h264_vaapi.
const VAAPIDevice = "/dev/dri/renderD128"

var hardwareEncoders = []string{EncoderNVENC, EncoderVAAPI, EncoderQSV, EncoderVideoToolbox}

// IsHardware reports whether name is a supported hardware H.264 encoder.
func IsHardware(name string) bool {
	for _, e := range hardwareEncoders {
		if e == name {
			return true
		}
	}
	return false
}

// Detector finds the hardware encoders usable on this host.
type Detector struct {
	FFmpegPath string
	GOOS       string

	// overridable for tests
	Run  func(ctx context.Context, name string, args ...string) ([]byte, error)
	Stat func(path string) error
}

func (d *Detector) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if d.Run != nil {
		return d.Run(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

func (d *Detector) stat(path string) error {
	if d.Stat != nil {
		return d.Stat(path)
	}
	_, err := os.Stat(path)
	return err
}

func (d *Detector) goos() string {
	if d.GOOS != "" {
		return d.GOOS
	}
	return runtime.GOOS
}

func (d *Detector) ffmpeg() string {
	if d.FFmpegPath != "" {
		return d.FFmpegPath
	}
	return "ffmpeg"
}

// Available lists hardware encoders that ffmpeg was built with and whose
// device is present, in preference order.
func (d *Detector) Available(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := d.run(ctx, d.ffmpeg(), "-hide_banner", "-encoders")
	if err != nil {
		return nil, err
	}
	built := string(out)

	var found []string
	for _, name := range hardwareEncoders {
		if !strings.Contains(built, " "+name+" ") {
			continue
		}
		if d.usable(ctx, name) {
			found = append(found, name)
		}
	}
	return found, nil
}

func (d *Detector) usable(ctx context.Context, name string) bool {
	switch name {
	case EncoderNVENC:
		_, err := d.run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
		return err == nil
	case EncoderVAAPI:
		return d.goos() == "linux" && d.stat(VAAPIDevice) == nil
	case EncoderQSV:
		if d.goos() != "linux" && d.goos() != "windows" {
			return false
		}
		out, err := d.run(ctx, "lspci")
		return err == nil && strings.Contains(strings.ToLower(string(out)), "intel")
	case EncoderVideoToolbox:
		return d.goos() == "darwin"
	default:
		return false
	}
}

// AAC encoders. aac_at is the AudioToolbox hardware path on macOS.
const (
	AudioEncoderAAC          = "aac"
	AudioEncoderAudioToolbox = "aac_at"
)

// AudioEncoder returns aac_at on darwin when ffmpeg was built with it and
// the native aac encoder otherwise.
func (d *Detector) AudioEncoder(ctx context.Context) string {
	if d.goos() != "darwin" {
		return AudioEncoderAAC
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := d.run(ctx, d.ffmpeg(), "-hide_banner", "-encoders")
	if err != nil || !strings.Contains(string(out), " "+AudioEncoderAudioToolbox+" ") {
		return AudioEncoderAAC
	}
	return AudioEncoderAudioToolbox
}

// Detect returns the preferred hardware encoder.
func (d *Detector) Detect(ctx context.Context) (string, error) {
	found, err := d.Available(ctx)
	if err != nil {
		return "", errors.Join(ErrNoHardwareEncoder, err)
	}
	if len(found) == 0 {
		return "", ErrNoHardwareEncoder
	}
	return found[0], nil
}
