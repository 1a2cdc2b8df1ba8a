package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/config"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/ffmpeg"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

// newController wires the ffmpeg encoders and capture sources into a
// session controller built from the loaded configuration.
func newController() (*session.Controller, error) {
	cfg, err := config.Recorder()
	if err != nil {
		return nil, err
	}
	logger := util.GetLogger()
	path := config.GetFFmpegPath()

	encoders := ffmpeg.NewFactory(path, logger)
	sources := &source.FFmpeg{
		Path:        path,
		Display:     config.GetCaptureDisplay(),
		AudioDevice: config.GetCaptureAudioDevice(),
		Logger:      logger,
	}
	return session.New(cfg, encoders, sources, session.WithLogger(logger)), nil
}

// bindFlags overrides config keys with the named flags of the running
// command. Binding happens at run time since several commands share keys.
func bindFlags(keys map[string]string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		for key, name := range keys {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				config.BindFlag(key, f)
			}
		}
	}
}

func newCatalog() *library.Catalog {
	return library.New(config.GetOutputDir(), util.GetLogger())
}

// formatSize renders a byte count with a binary unit
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatDuration renders d as m:ss or h:mm:ss
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
