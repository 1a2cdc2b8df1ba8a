package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
)

var v *viper.Viper

func init() {
	Reset()
}

// Reset discards loaded configuration and restores defaults.
func Reset() {
	v = viper.New()

	d := session.DefaultConfig()

	// Output
	v.SetDefault("output.dir", filepath.Join(xdg.UserDirs.Download, "ScreenRec"))
	v.SetDefault("output.format", string(d.Format))
	v.SetDefault("output.min_free_bytes", d.MinFreeBytes)

	// Video
	v.SetDefault("video.bitrate", d.Video.BitRate)
	v.SetDefault("video.frame_rate", d.Video.FrameRate)
	v.SetDefault("video.keyframe_interval", d.Video.KeyFrameInterval)
	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("video.encoder", d.Video.Encoder)

	// Audio
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.bitrate", d.Audio.BitRate)
	v.SetDefault("audio.block_size", d.BlockSize)
	v.SetDefault("audio.encoder", d.Audio.Encoder)

	// Capture devices; empty picks the platform default
	v.SetDefault("capture.display", "")
	v.SetDefault("capture.audio_device", "")

	v.SetDefault("pipeline.dequeue_timeout", d.DequeueTimeout)
	v.SetDefault("pipeline.join_timeout", d.JoinTimeout)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("server.port", 28190)

	// Environment variables: SCREENREC_OUTPUT_DIR, SCREENREC_VIDEO_BITRATE, ...
	v.SetEnvPrefix("SCREENREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// Load reads file, or the first config.yaml found in the search path when
// file is empty. A missing search-path config is not an error.
func Load(file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "screenrec"),
		"/etc/screenrec",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// ConfigFile returns the file the configuration was read from, if any.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// BindFlag lets a command-line flag override key when it is set.
func BindFlag(key string, flag *pflag.Flag) {
	if flag != nil {
		_ = v.BindPFlag(key, flag)
	}
}

// GetOutputDir returns the dedicated recordings folder
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetServerPort returns the control server port
func GetServerPort() int {
	return v.GetInt("server.port")
}

// GetFFmpegPath returns the ffmpeg binary used for capture and encoding
func GetFFmpegPath() string {
	return v.GetString("ffmpeg.path")
}

// GetCaptureDisplay returns the screen capture input override
func GetCaptureDisplay() string {
	return v.GetString("capture.display")
}

// GetCaptureAudioDevice returns the loopback audio input override
func GetCaptureAudioDevice() string {
	return v.GetString("capture.audio_device")
}

// Recorder materializes the session configuration.
func Recorder() (session.Config, error) {
	format, err := mux.ParseFormat(v.GetString("output.format"))
	if err != nil {
		return session.Config{}, err
	}

	cfg := session.Config{
		OutputDir:    GetOutputDir(),
		Format:       format,
		MinFreeBytes: v.GetUint64("output.min_free_bytes"),
		Video: codec.VideoConfig{
			Width:            v.GetInt("video.width"),
			Height:           v.GetInt("video.height"),
			BitRate:          v.GetInt("video.bitrate"),
			FrameRate:        v.GetInt("video.frame_rate"),
			KeyFrameInterval: v.GetInt("video.keyframe_interval"),
			Encoder:          v.GetString("video.encoder"),
		},
		Audio: codec.AudioConfig{
			SampleRate: v.GetInt("audio.sample_rate"),
			Channels:   v.GetInt("audio.channels"),
			BitRate:    v.GetInt("audio.bitrate"),
			Encoder:    v.GetString("audio.encoder"),
		},
		BlockSize:      v.GetInt("audio.block_size"),
		DequeueTimeout: v.GetDuration("pipeline.dequeue_timeout"),
		JoinTimeout:    v.GetDuration("pipeline.join_timeout"),
	}

	switch {
	case cfg.OutputDir == "":
		return session.Config{}, fmt.Errorf("output.dir is empty")
	case cfg.Video.BitRate <= 0:
		return session.Config{}, fmt.Errorf("video.bitrate must be positive, got %d", cfg.Video.BitRate)
	case cfg.Video.Width <= 0 || cfg.Video.Height <= 0 || cfg.Video.Width%2 != 0 || cfg.Video.Height%2 != 0:
		return session.Config{}, fmt.Errorf("video size must be positive and even, got %dx%d", cfg.Video.Width, cfg.Video.Height)
	case cfg.Video.FrameRate <= 0:
		return session.Config{}, fmt.Errorf("video.frame_rate must be positive, got %d", cfg.Video.FrameRate)
	case cfg.Audio.Channels <= 0 || cfg.Audio.SampleRate <= 0:
		return session.Config{}, fmt.Errorf("audio format must be positive, got %d Hz x %d", cfg.Audio.SampleRate, cfg.Audio.Channels)
	case cfg.BlockSize <= 0 || cfg.BlockSize%(2*cfg.Audio.Channels) != 0:
		return session.Config{}, fmt.Errorf("audio.block_size must be a whole number of frames, got %d", cfg.BlockSize)
	case cfg.JoinTimeout <= 0 || cfg.JoinTimeout > 10*time.Second:
		return session.Config{}, fmt.Errorf("pipeline.join_timeout out of range: %s", cfg.JoinTimeout)
	}
	return cfg, nil
}
