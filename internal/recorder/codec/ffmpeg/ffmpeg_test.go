package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec"
)

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestVideoArgs(t *testing.T) {
	cfg := codec.VideoConfig{Width: 1280, Height: 720, BitRate: 8_000_000, FrameRate: 30, KeyFrameInterval: 1}

	args := VideoArgs(EncoderVAAPI, cfg)
	assert.Equal(t, VAAPIDevice, argAfter(args, "-vaapi_device"))
	assert.Equal(t, "1280x720", argAfter(args, "-s"))
	assert.Equal(t, "h264_vaapi", argAfter(args, "-c:v"))
	assert.Equal(t, "30", argAfter(args, "-g"))
	assert.Equal(t, "0", argAfter(args, "-bf"))
	assert.Equal(t, "rawvideo", argAfter(args, "-f"), "first -f is the raw input")
	assert.Equal(t, "-", args[len(args)-1])

	args = VideoArgs(EncoderNVENC, cfg)
	assert.NotContains(t, args, "-vaapi_device")
	assert.Equal(t, "cbr", argAfter(args, "-rc"))
	assert.Equal(t, "8000000", argAfter(args, "-maxrate"))

	args = VideoArgs(EncoderVideoToolbox, cfg)
	assert.Equal(t, "1", argAfter(args, "-realtime"))
}

func TestAudioArgs(t *testing.T) {
	args := AudioArgs(codec.AudioConfig{SampleRate: 44100, Channels: 2, BitRate: 128000})
	assert.Equal(t, "44100", argAfter(args, "-ar"))
	assert.Equal(t, "2", argAfter(args, "-ac"))
	assert.Equal(t, "aac", argAfter(args, "-c:a"))
	assert.Equal(t, "128000", argAfter(args, "-b:a"))
	assert.Contains(t, args, "adts")
}

const encodersOutput = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

func fakeDetector(goos string, devices map[string]bool, ok map[string]bool) *Detector {
	return &Detector{
		GOOS: goos,
		Run: func(_ context.Context, name string, _ ...string) ([]byte, error) {
			if name == "ffmpeg" {
				return []byte(encodersOutput), nil
			}
			if ok[name] {
				return []byte("Intel Corporation"), nil
			}
			return nil, errors.New("not found")
		},
		Stat: func(path string) error {
			if devices[path] {
				return nil
			}
			return errors.New("missing")
		},
	}
}

func TestDetectorPrefersUsableEncoder(t *testing.T) {
	d := fakeDetector("linux", map[string]bool{VAAPIDevice: true}, nil)
	found, err := d.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{EncoderVAAPI}, found)

	d = fakeDetector("linux", map[string]bool{VAAPIDevice: true}, map[string]bool{"nvidia-smi": true})
	name, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EncoderNVENC, name)
}

func TestDetectorWithoutHardware(t *testing.T) {
	d := fakeDetector("linux", nil, nil)
	_, err := d.Detect(context.Background())
	assert.ErrorIs(t, err, ErrNoHardwareEncoder)

	d.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exec: not found")
	}
	_, err = d.Detect(context.Background())
	assert.ErrorIs(t, err, ErrNoHardwareEncoder)
}

func TestFactoryResolve(t *testing.T) {
	f := NewFactory("", nil)
	f.Detector = fakeDetector("linux", map[string]bool{VAAPIDevice: true}, nil)

	name, err := f.Resolve(context.Background(), EncoderAuto)
	require.NoError(t, err)
	assert.Equal(t, EncoderVAAPI, name)

	name, err = f.Resolve(context.Background(), EncoderQSV)
	require.NoError(t, err)
	assert.Equal(t, EncoderQSV, name)

	_, err = f.Resolve(context.Background(), "libx264")
	assert.ErrorIs(t, err, ErrNoHardwareEncoder)

	_, err = f.NewVideoEncoder(codec.VideoConfig{Encoder: "libx264", Width: 640, Height: 480})
	assert.ErrorIs(t, err, ErrNoHardwareEncoder)
	_, err = f.NewVideoEncoder(codec.VideoConfig{Encoder: EncoderVAAPI, Width: 641, Height: 480})
	assert.Error(t, err)
}

func TestAUSplitter(t *testing.T) {
	au1 := []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x65, 0xaa}
	au2 := []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 0, 1, 0x41, 0xbb}
	stream := append(append([]byte(nil), au1...), au2...)

	var s auSplitter
	out := s.Feed(stream)
	require.Len(t, out, 1)
	assert.Equal(t, au1, out[0])
	assert.Equal(t, au2, s.Flush())
	assert.Nil(t, s.Flush())

	var bytewise auSplitter
	var got [][]byte
	for _, b := range stream {
		got = append(got, bytewise.Feed([]byte{b})...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, au1, got[0])
	assert.Equal(t, au2, bytewise.Flush())
}

func TestPTSQueue(t *testing.T) {
	q := &ptsQueue{step: 33333}
	q.push(100)
	q.push(200)
	assert.EqualValues(t, 100, q.pop())
	assert.EqualValues(t, 200, q.pop())
	assert.EqualValues(t, 33533, q.pop(), "missing stamps advance by one frame")
}

func adtsFrame(payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xff, 0xf1,
		0x50, // AAC-LC, 44.1 kHz
		0x80 | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1f,
		0xfc,
	}
	return append(h, payload...)
}

func TestReadADTS(t *testing.T) {
	p1 := []byte{1, 2, 3, 4}
	p2 := []byte{5, 6, 7, 8, 9}
	r := bufio.NewReader(bytes.NewReader(append(adtsFrame(p1), adtsFrame(p2)...)))

	hdr, payload, err := readADTS(r)
	require.NoError(t, err)
	assert.Equal(t, p1, payload)
	assert.Equal(t, mpeg4audio.ObjectTypeAACLC, hdr.objectType)
	assert.Equal(t, 44100, hdr.sampleRate)
	assert.Equal(t, 2, hdr.channels)

	_, payload, err = readADTS(r)
	require.NoError(t, err)
	assert.Equal(t, p2, payload)

	_, _, err = readADTS(r)
	assert.Error(t, err)
}

func TestParseADTSRejectsGarbage(t *testing.T) {
	_, err := parseADTSHeader([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	assert.Error(t, err)
	_, err = parseADTSHeader([]byte{0xff, 0xf1})
	assert.Error(t, err)
}

func TestAudioEncoderSelection(t *testing.T) {
	withAudioToolbox := func(goos string) *Detector {
		return &Detector{
			GOOS: goos,
			Run: func(context.Context, string, ...string) ([]byte, error) {
				return []byte(encodersOutput + " A....D aac_at               aac (AudioToolbox) (codec aac)\n"), nil
			},
		}
	}

	assert.Equal(t, AudioEncoderAudioToolbox, withAudioToolbox("darwin").AudioEncoder(context.Background()))
	assert.Equal(t, AudioEncoderAAC, withAudioToolbox("linux").AudioEncoder(context.Background()))
	assert.Equal(t, AudioEncoderAAC, fakeDetector("darwin", nil, nil).AudioEncoder(context.Background()))

	f := NewFactory("", nil)
	f.Detector = withAudioToolbox("darwin")
	assert.Equal(t, AudioEncoderAudioToolbox, f.ResolveAudio(context.Background(), EncoderAuto))
	assert.Equal(t, AudioEncoderAAC, f.ResolveAudio(context.Background(), AudioEncoderAAC))

	args := AudioArgs(codec.AudioConfig{SampleRate: 48000, Channels: 2, BitRate: 96000, Encoder: EncoderAuto})
	assert.Equal(t, AudioEncoderAAC, argAfter(args, "-c:a"))
}

// stalledFFmpeg writes a stand-in ffmpeg that never reads its input.
func stalledFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	return path
}

func TestAudioEncoderStallDropsInsteadOfBlocking(t *testing.T) {
	enc := NewAudioEncoder(stalledFFmpeg(t), codec.AudioConfig{
		SampleRate: 48000, Channels: 2, BitRate: 128000, InputSize: 16 * 1024,
	}, nil)
	require.NoError(t, enc.Start())
	defer func() { _ = enc.Release() }()

	start := time.Now()
	dropped := 0
	for i := 0; i < 100; i++ {
		in, err := enc.DequeueInput(10 * time.Millisecond)
		require.NoError(t, err)
		if in == nil {
			dropped++
			continue
		}
		require.NoError(t, enc.QueueInput(in, len(in.Data), int64(i)*1000))
	}
	assert.Greater(t, dropped, 0, "a stalled encoder must run the pool dry")
	assert.Less(t, time.Since(start), 5*time.Second)

	start = time.Now()
	require.NoError(t, enc.Release())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAudioEncoderRejectsInputAfterEndOfStream(t *testing.T) {
	enc := NewAudioEncoder(stalledFFmpeg(t), codec.AudioConfig{SampleRate: 48000, Channels: 2, BitRate: 128000}, nil)
	require.NoError(t, enc.Start())
	defer func() { _ = enc.Release() }()

	require.NoError(t, enc.SignalEndOfInputStream())
	in, err := enc.DequeueInput(10 * time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.ErrorIs(t, enc.QueueInput(in, len(in.Data), 0), io.ErrClosedPipe)

	again, err := enc.DequeueInput(10 * time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, again, "rejected buffers go back to the pool")
}
