// Package media holds the data model shared by the capture-encode-mux
// pipeline: track kinds, track descriptors, access units and raw frames.
package media

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// TrackKind identifies the elementary stream an access unit belongs to.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

// Kinds lists every track kind a session carries.
var Kinds = []TrackKind{TrackVideo, TrackAudio}

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("track(%d)", int(k))
	}
}

// Fixed capture format of the audio loopback path.
const (
	AudioSampleRate    = 44100
	AudioChannels      = 2
	AudioBitsPerSample = 16
	// AudioBlockSize is the PCM read size of the capture loop in bytes.
	AudioBlockSize = 1024 * 2
	// AACFrameSamples is the number of PCM samples per channel in one AAC-LC frame.
	AACFrameSamples = 1024
)

// Fixed video encoding parameters.
const (
	VideoFrameRate        = 30
	VideoKeyFrameInterval = 1 // seconds
)

// TrackDescriptor is the codec configuration an encoder reports once its
// output format is known. It is immutable after creation.
type TrackDescriptor struct {
	Kind TrackKind

	// Video: raw SPS/PPS NAL units (no start codes) and picture size.
	SPS    []byte
	PPS    []byte
	Width  int
	Height int

	// Audio: MPEG-4 AudioSpecificConfig.
	Audio *mpeg4audio.AudioSpecificConfig
}

// Valid reports whether the descriptor carries enough parameters to open a container track.
func (d TrackDescriptor) Valid() bool {
	switch d.Kind {
	case TrackVideo:
		return len(d.SPS) > 0 && len(d.PPS) > 0
	case TrackAudio:
		return d.Audio != nil
	default:
		return false
	}
}

// AccessUnit is one timestamped block of compressed bytes.
// PTS is in microseconds. Video payloads are Annex-B, audio payloads are raw AAC.
type AccessUnit struct {
	Kind        TrackKind
	PTS         int64
	KeyFrame    bool
	Payload     []byte
	EndOfStream bool
}

// Frame is one raw BGRA picture produced by a frame source.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	PTS    int64 // microseconds on the session capture clock
}

// Surface is the drawable target a frame source renders into. The video
// encoder owns the surface and consumes whatever is drawn on it.
type Surface interface {
	DrawFrame(f Frame) error
	Size() (width, height int)
}
