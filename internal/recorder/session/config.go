package session

import (
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/worker"
)

// Config holds everything a session needs besides the bitrate.
type Config struct {
	OutputDir    string
	Format       mux.Format
	MinFreeBytes uint64

	Video     codec.VideoConfig
	Audio     codec.AudioConfig
	BlockSize int

	// DequeueTimeout bounds every encoder and audio source wait.
	DequeueTimeout time.Duration
	// JoinTimeout bounds how long each shutdown join may take.
	JoinTimeout time.Duration
}

// DefaultConfig returns the recorder defaults without an output folder.
func DefaultConfig() Config {
	return Config{
		Format:       mux.FormatMP4,
		MinFreeBytes: 256 << 20,
		Video: codec.VideoConfig{
			Width:            1920,
			Height:           1080,
			BitRate:          8_000_000,
			FrameRate:        media.VideoFrameRate,
			KeyFrameInterval: media.VideoKeyFrameInterval,
			Encoder:          "auto",
		},
		Audio: codec.AudioConfig{
			SampleRate: media.AudioSampleRate,
			Channels:   media.AudioChannels,
			BitRate:    128_000,
			Encoder:    "auto",
		},
		BlockSize:      media.AudioBlockSize,
		DequeueTimeout: worker.DefaultDequeueTimeout,
		JoinTimeout:    500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		c.Video.Width, c.Video.Height = d.Video.Width, d.Video.Height
	}
	if c.Video.BitRate <= 0 {
		c.Video.BitRate = d.Video.BitRate
	}
	if c.Video.FrameRate <= 0 {
		c.Video.FrameRate = d.Video.FrameRate
	}
	if c.Video.KeyFrameInterval <= 0 {
		c.Video.KeyFrameInterval = d.Video.KeyFrameInterval
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = d.Audio.Channels
	}
	if c.Audio.BitRate <= 0 {
		c.Audio.BitRate = d.Audio.BitRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = d.DequeueTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	return c
}
