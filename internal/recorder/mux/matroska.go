package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/multierr"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/avc"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

const (
	mkvTrackVideo = 1
	mkvTrackAudio = 2
)

// closeTimeout bounds the wait for the block writer to flush its last cluster.
const closeTimeout = 250 * time.Millisecond

// writerCloser keeps the block writer from closing the file, which Writer
// owns, and reports when the block writer has finished marshaling.
type writerCloser struct {
	w    io.Writer
	once sync.Once
	done chan struct{}
}

func (wc *writerCloser) Write(p []byte) (int, error) {
	select {
	case <-wc.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return wc.w.Write(p)
}

func (wc *writerCloser) Close() error {
	wc.once.Do(func() { close(wc.done) })
	return nil
}

type matroskaContainer struct {
	w       io.Writer
	out     *writerCloser
	writers map[media.TrackKind]webm.BlockWriteCloser

	mu    sync.Mutex
	fatal error
}

func newMatroska(w io.Writer) *matroskaContainer {
	return &matroskaContainer{w: w}
}

func (c *matroskaContainer) Open(video, audio media.TrackDescriptor) error {
	avcC, err := avc.DecoderConfig(video.SPS, video.PPS)
	if err != nil {
		return fmt.Errorf("video codec private: %w", err)
	}
	asc, err := audio.Audio.Marshal()
	if err != nil {
		return fmt.Errorf("audio codec private: %w", err)
	}

	width, height := video.Width, video.Height
	if width == 0 || height == 0 {
		if w, h, err := avc.PictureSize(video.SPS); err == nil {
			width, height = w, h
		}
	}

	tracks := []webm.TrackEntry{
		{
			Name:            "Video",
			TrackNumber:     mkvTrackVideo,
			TrackUID:        mkvTrackVideo,
			CodecID:         "V_MPEG4/ISO/AVC",
			CodecPrivate:    avcC,
			TrackType:       1,
			DefaultDuration: uint64(1_000_000_000 / media.VideoFrameRate),
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
		{
			Name:         "Audio",
			TrackNumber:  mkvTrackAudio,
			TrackUID:     mkvTrackAudio,
			CodecID:      "A_AAC",
			CodecPrivate: asc,
			TrackType:    2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(audio.Audio.SampleRate),
				Channels:          uint64(audio.Audio.ChannelCount),
			},
		},
	}

	c.out = &writerCloser{w: c.w, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(c.out, tracks,
		mkvcore.WithEBMLHeader(&webm.EBMLHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            "matroska",
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: 1_000_000, // ms
			MuxingApp:     "screenrec",
			WritingApp:    "screenrec",
		}),
		mkvcore.WithOnFatalHandler(func(err error) {
			c.mu.Lock()
			c.fatal = err
			c.mu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("create block writer: %w", err)
	}
	c.writers = map[media.TrackKind]webm.BlockWriteCloser{
		media.TrackVideo: writers[0],
		media.TrackAudio: writers[1],
	}
	return nil
}

func (c *matroskaContainer) fatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *matroskaContainer) Write(kind media.TrackKind, pts int64, keyFrame bool, payload []byte) error {
	if err := c.fatalErr(); err != nil {
		return err
	}
	bw, ok := c.writers[kind]
	if !ok {
		return fmt.Errorf("unknown track %s", kind)
	}

	data := payload
	if kind == media.TrackVideo {
		var err error
		if data, err = avc.ToAVCC(payload); err != nil {
			return fmt.Errorf("convert access unit: %w", err)
		}
	} else {
		data = append([]byte(nil), stripADTSHeader(payload)...)
		keyFrame = true
	}

	if _, err := bw.Write(keyFrame, pts/1000, data); err != nil {
		return err
	}
	return nil
}

func (c *matroskaContainer) Close() error {
	var err error
	for _, kind := range media.Kinds {
		if bw, ok := c.writers[kind]; ok {
			err = multierr.Append(err, bw.Close())
		}
	}
	if c.out != nil {
		select {
		case <-c.out.done:
		case <-time.After(closeTimeout):
			err = multierr.Append(err, errors.New("timed out flushing matroska clusters"))
		}
	}
	if fatal := c.fatalErr(); fatal != nil && !errors.Is(err, fatal) {
		err = multierr.Append(err, fatal)
	}
	return err
}
