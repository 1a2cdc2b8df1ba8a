package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
)

// VideoArgs builds the command line that reads raw BGRA frames on stdin and
// writes an Annex-B stream with one access unit delimiter per frame.
func VideoArgs(encoder string, cfg codec.VideoConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if encoder == EncoderVAAPI {
		args = append(args, "-vaapi_device", VAAPIDevice)
	}
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "-",
		"-fps_mode", "passthrough",
	)

	switch encoder {
	case EncoderVAAPI:
		args = append(args, "-vf", "format=nv12,hwupload")
	case EncoderNVENC:
		args = append(args, "-pix_fmt", "yuv420p", "-preset", "p4", "-tune", "ll", "-rc", "cbr")
	default:
		args = append(args, "-pix_fmt", "nv12")
	}
	if encoder == EncoderVideoToolbox {
		args = append(args, "-realtime", "1")
	}

	bitrate := strconv.Itoa(cfg.BitRate)
	return append(args,
		"-c:v", encoder,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-g", strconv.Itoa(cfg.GOP()),
		"-bf", "0",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"-",
	)
}

// AudioArgs builds the command line that reads s16le PCM on stdin and
// writes ADTS-framed AAC-LC.
func AudioArgs(cfg codec.AudioConfig) []string {
	encoder := cfg.Encoder
	if encoder == "" || encoder == EncoderAuto {
		encoder = AudioEncoderAAC
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "-",
		"-c:a", encoder,
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(cfg.BitRate),
		"-f", "adts",
		"-",
	}
}
