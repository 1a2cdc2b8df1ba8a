package mux

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/avc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

const (
	videoTimeScale = 90000
	// a fragment is cut at the first video keyframe once this much video is pending
	minFragment = 1 // seconds
	// cap for fragments when keyframes stop arriving
	maxFragment = 4 // seconds
)

// scaleTimestampToTimescale converts microseconds into track timescale units.
func scaleTimestampToTimescale(timestampUs int64, timeScale uint32) int64 {
	if timestampUs <= 0 {
		return 0
	}
	return (timestampUs * int64(timeScale)) / 1_000_000
}

type fmp4Track struct {
	id         int
	timeScale  uint32
	defaultDur uint32
	lastDur    uint32
	sps, pps   []byte

	// the newest sample waits for the next timestamp to learn its duration
	pending    *fmp4.Sample
	pendingDTS int64

	samples []*fmp4.Sample
	baseDTS int64
	fragDur int64
}

func (t *fmp4Track) complete(dur int64) {
	if dur < 0 {
		dur = 0
	}
	if len(t.samples) == 0 {
		t.baseDTS = t.pendingDTS
	}
	t.pending.Duration = uint32(dur)
	t.samples = append(t.samples, t.pending)
	t.fragDur += dur
	if dur > 0 {
		t.lastDur = uint32(dur)
	}
	t.pending = nil
}

// fmp4Container writes ftyp+moov on Open and one moof+mdat per fragment.
type fmp4Container struct {
	w      io.Writer
	seq    uint32
	tracks map[media.TrackKind]*fmp4Track
}

func newFMP4(w io.Writer) *fmp4Container {
	return &fmp4Container{w: w, seq: 1}
}

func (c *fmp4Container) Open(video, audio media.TrackDescriptor) error {
	sampleRate := uint32(audio.Audio.SampleRate)
	c.tracks = map[media.TrackKind]*fmp4Track{
		media.TrackVideo: {
			id:         1,
			timeScale:  videoTimeScale,
			defaultDur: videoTimeScale / media.VideoFrameRate,
			sps:        video.SPS,
			pps:        video.PPS,
		},
		media.TrackAudio: {
			id:         2,
			timeScale:  sampleRate,
			defaultDur: media.AACFrameSamples,
		},
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        1,
				TimeScale: videoTimeScale,
				Codec:     &mp4.CodecH264{SPS: video.SPS, PPS: video.PPS},
			},
			{
				ID:        2,
				TimeScale: sampleRate,
				Codec:     &mp4.CodecMPEG4Audio{Config: *audio.Audio},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write init: %w", err)
	}
	return nil
}

func (c *fmp4Container) Write(kind media.TrackKind, pts int64, keyFrame bool, payload []byte) error {
	t, ok := c.tracks[kind]
	if !ok {
		return fmt.Errorf("unknown track %s", kind)
	}

	sample := &fmp4.Sample{IsNonSyncSample: kind == media.TrackVideo && !keyFrame}
	switch kind {
	case media.TrackVideo:
		data, err := avc.ToAVCC(payload)
		if err != nil {
			return fmt.Errorf("convert access unit: %w", err)
		}
		if keyFrame {
			data = avc.PrependParameterSets(data, t.sps, t.pps)
		}
		sample.Payload = data
	default:
		sample.Payload = append([]byte(nil), stripADTSHeader(payload)...)
	}

	dts := scaleTimestampToTimescale(pts, t.timeScale)
	if t.pending != nil {
		t.complete(dts - t.pendingDTS)
	}

	if c.shouldCut(kind, keyFrame) {
		if err := c.flush(); err != nil {
			return err
		}
	}

	t.pending = sample
	t.pendingDTS = dts
	return nil
}

func (c *fmp4Container) shouldCut(kind media.TrackKind, keyFrame bool) bool {
	v := c.tracks[media.TrackVideo]
	a := c.tracks[media.TrackAudio]
	if kind == media.TrackVideo && keyFrame && v.fragDur >= int64(v.timeScale)*minFragment {
		return true
	}
	return v.fragDur >= int64(v.timeScale)*maxFragment || a.fragDur >= int64(a.timeScale)*maxFragment
}

func (c *fmp4Container) flush() error {
	part := &fmp4.Part{SequenceNumber: c.seq}
	for _, kind := range media.Kinds {
		t := c.tracks[kind]
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: uint64(t.baseDTS),
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	for _, t := range c.tracks {
		t.samples = nil
		t.fragDur = 0
	}
	c.seq++
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	return nil
}

func (c *fmp4Container) Close() error {
	for _, t := range c.tracks {
		if t.pending == nil {
			continue
		}
		dur := t.lastDur
		if dur == 0 {
			dur = t.defaultDur
		}
		t.complete(int64(dur))
	}
	return c.flush()
}
