package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
)

func TestRecorderDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Recorder()
	require.NoError(t, err)
	assert.Equal(t, mux.FormatMP4, cfg.Format)
	assert.Equal(t, "ScreenRec", filepath.Base(cfg.OutputDir))
	assert.Equal(t, 8_000_000, cfg.Video.BitRate)
	assert.Equal(t, 30, cfg.Video.FrameRate)
	assert.Equal(t, 1, cfg.Video.KeyFrameInterval)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, 2048, cfg.BlockSize)
	assert.Equal(t, 10*time.Millisecond, cfg.DequeueTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.JoinTimeout)
	assert.Equal(t, 28190, GetServerPort())
	assert.Equal(t, "ffmpeg", GetFFmpegPath())
}

func TestEnvironmentOverrides(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("SCREENREC_OUTPUT_FORMAT", "mkv")
	t.Setenv("SCREENREC_VIDEO_BITRATE", "4000000")
	t.Setenv("SCREENREC_PIPELINE_JOIN_TIMEOUT", "250ms")

	cfg, err := Recorder()
	require.NoError(t, err)
	assert.Equal(t, mux.FormatMKV, cfg.Format)
	assert.Equal(t, 4_000_000, cfg.Video.BitRate)
	assert.Equal(t, 250*time.Millisecond, cfg.JoinTimeout)
}

func TestLoadFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
output:
  dir: /tmp/recordings
video:
  width: 1280
  height: 720
server:
  port: 9000
`), 0o644))

	require.NoError(t, Load(file))
	assert.Equal(t, file, ConfigFile())
	cfg, err := Recorder()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/recordings", cfg.OutputDir)
	assert.Equal(t, 1280, cfg.Video.Width)
	assert.Equal(t, 720, cfg.Video.Height)
	assert.Equal(t, 9000, GetServerPort())

	assert.Error(t, Load(filepath.Join(dir, "missing.yaml")))
}

func TestRecorderRejectsInvalidValues(t *testing.T) {
	for key, val := range map[string]string{
		"SCREENREC_OUTPUT_FORMAT":    "avi",
		"SCREENREC_VIDEO_BITRATE":    "0",
		"SCREENREC_VIDEO_WIDTH":      "1281",
		"SCREENREC_AUDIO_BLOCK_SIZE": "3",
	} {
		t.Run(key, func(t *testing.T) {
			Reset()
			t.Cleanup(Reset)
			t.Setenv(key, val)
			_, err := Recorder()
			assert.Error(t, err)
		})
	}
}
