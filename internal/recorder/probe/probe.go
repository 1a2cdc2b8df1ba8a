// Package probe reads back a finished recording and reports its tracks.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abema/go-mp4"
	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// Track describes one elementary stream found in a file.
type Track struct {
	Kind       media.TrackKind `json:"-"`
	KindName   string          `json:"kind"`
	Codec      string          `json:"codec"`
	Samples    int             `json:"samples"`
	Duration   time.Duration   `json:"duration"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`
	Channels   int             `json:"channels,omitempty"`
}

// Info is the result of probing a file.
type Info struct {
	Container string        `json:"container"`
	Tracks    []Track       `json:"tracks"`
	Duration  time.Duration `json:"duration"`
}

// Track returns the first track of kind.
func (i *Info) Track(kind media.TrackKind) (Track, bool) {
	for _, t := range i.Tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return Track{}, false
}

// Playable reports whether the file has exactly one video and one audio
// track, each with samples.
func (i *Info) Playable() bool {
	var video, audio int
	for _, t := range i.Tracks {
		if t.Samples == 0 {
			return false
		}
		switch t.Kind {
		case media.TrackVideo:
			video++
		case media.TrackAudio:
			audio++
		}
	}
	return video == 1 && audio == 1
}

// File probes path based on its extension.
func File(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return MP4(f)
	case ".mkv":
		return Matroska(f)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

// MP4 probes an ISO-BMFF stream, fragmented or not.
func MP4(r io.ReadSeeker) (*Info, error) {
	pi, err := mp4.Probe(r)
	if err != nil {
		return nil, fmt.Errorf("probe mp4: %w", err)
	}

	info := &Info{Container: "mp4"}
	for _, t := range pi.Tracks {
		tr := Track{Samples: len(t.Samples)}
		switch t.Codec {
		case mp4.CodecAVC1:
			tr.Kind, tr.Codec = media.TrackVideo, "h264"
			if t.AVC != nil {
				tr.Width, tr.Height = int(t.AVC.Width), int(t.AVC.Height)
			}
		case mp4.CodecMP4A:
			tr.Kind, tr.Codec = media.TrackAudio, "aac"
			tr.SampleRate = int(t.Timescale)
			if t.MP4A != nil {
				tr.Channels = int(t.MP4A.ChannelCount)
			}
		default:
			tr.Kind, tr.Codec = media.TrackKind(-1), "unknown"
		}

		units := t.Duration
		for _, seg := range pi.Segments {
			if seg.TrackID != t.TrackID {
				continue
			}
			tr.Samples += int(seg.SampleCount)
			units += uint64(seg.Duration)
		}
		if t.Timescale > 0 {
			tr.Duration = time.Duration(units) * time.Second / time.Duration(t.Timescale)
		}
		tr.KindName = tr.Kind.String()
		info.add(tr)
	}
	return info, nil
}

type matroskaFile struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment webm.Segment    `ebml:"Segment"`
}

// Matroska probes a Matroska or WebM stream.
func Matroska(r io.Reader) (*Info, error) {
	var doc matroskaFile
	if err := ebml.Unmarshal(r, &doc, ebml.WithIgnoreUnknown(true)); err != nil &&
		!errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("unmarshal matroska: %w", err)
	}
	if len(doc.Segment.Tracks.TrackEntry) == 0 {
		return nil, errors.New("matroska: no tracks")
	}

	type span struct {
		first, last int64
		n           int
	}
	spans := map[uint64]*span{}
	for _, cl := range doc.Segment.Cluster {
		for _, b := range cl.SimpleBlock {
			ts := int64(cl.Timecode) + int64(b.Timecode)
			s, ok := spans[b.TrackNumber]
			if !ok {
				s = &span{first: ts, last: ts}
				spans[b.TrackNumber] = s
			}
			if ts > s.last {
				s.last = ts
			}
			s.n++
		}
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = 1_000_000
	}

	info := &Info{Container: doc.Header.DocType}
	for _, te := range doc.Segment.Tracks.TrackEntry {
		tr := Track{}
		switch te.CodecID {
		case "V_MPEG4/ISO/AVC":
			tr.Kind, tr.Codec = media.TrackVideo, "h264"
		case "A_AAC":
			tr.Kind, tr.Codec = media.TrackAudio, "aac"
		default:
			tr.Kind, tr.Codec = media.TrackKind(-1), te.CodecID
		}
		if te.Video != nil {
			tr.Width, tr.Height = int(te.Video.PixelWidth), int(te.Video.PixelHeight)
		}
		if te.Audio != nil {
			tr.SampleRate, tr.Channels = int(te.Audio.SamplingFrequency), int(te.Audio.Channels)
		}
		if s, ok := spans[te.TrackNumber]; ok {
			tr.Samples = s.n
			tr.Duration = time.Duration(s.last-s.first) * time.Duration(scale)
		}
		tr.KindName = tr.Kind.String()
		info.add(tr)
	}
	return info, nil
}

func (i *Info) add(t Track) {
	i.Tracks = append(i.Tracks, t)
	if t.Duration > i.Duration {
		i.Duration = t.Duration
	}
}
