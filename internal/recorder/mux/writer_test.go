package mux

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/probe"
)

// recordingContainer logs the call sequence it sees.
type recordingContainer struct {
	mu       sync.Mutex
	calls    []string
	openErr  error
	writeErr error
	closes   int
	written  []writtenUnit
}

type writtenUnit struct {
	kind media.TrackKind
	pts  int64
}

func (c *recordingContainer) Open(video, audio media.TrackDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "open")
	return c.openErr
}

func (c *recordingContainer) Write(kind media.TrackKind, pts int64, key bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "write:"+kind.String())
	if c.writeErr == nil {
		c.written = append(c.written, writtenUnit{kind: kind, pts: pts})
	}
	return c.writeErr
}

func (c *recordingContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.calls = append(c.calls, "close")
	return nil
}

func newTestWriter(t *testing.T, format Format, opts ...Option) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out"+format.Ext())
	w, err := Create(path, format, opts...)
	require.NoError(t, err)
	return w
}

func unit(kind media.TrackKind, pts int64, key bool) media.AccessUnit {
	payload := codectest.DeltaFrame()
	if kind == media.TrackAudio {
		payload = codectest.AACFrame
	} else if key {
		payload = codectest.KeyFrame()
	}
	return media.AccessUnit{Kind: kind, PTS: pts, KeyFrame: key, Payload: payload}
}

func TestWriterOpensOnlyWithBothTracks(t *testing.T) {
	rc := &recordingContainer{}
	w := newTestWriter(t, FormatMP4, WithContainer(func(io.Writer) Container { return rc }))

	assert.False(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 1, true)))

	idx, opened := w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	assert.Equal(t, 0, idx)
	assert.False(t, opened)
	assert.False(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 2, true)))

	// second registration of the same kind is a no-op
	idx, _ = w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	assert.Equal(t, 0, idx)

	idx, opened = w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())
	assert.Equal(t, 1, idx)
	assert.True(t, opened)
	assert.Equal(t, StateOpen, w.State())

	assert.True(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 3, true)))
	assert.True(t, w.WriteAccessUnit(media.TrackAudio, unit(media.TrackAudio, 3, true)))

	w.Finalize()
	assert.Equal(t, []string{"open", "write:video", "write:audio", "close"}, rc.calls)
	assert.EqualValues(t, 2, w.Stats().Dropped)
}

func TestWriterRejectsInvalidDescriptor(t *testing.T) {
	w := newTestWriter(t, FormatMP4)
	defer w.Finalize()

	idx, _ := w.RegisterTrack(media.TrackVideo, media.TrackDescriptor{Kind: media.TrackVideo})
	assert.Equal(t, -1, idx)
	idx, _ = w.RegisterTrack(media.TrackAudio, codectest.VideoDescriptor())
	assert.Equal(t, -1, idx)
}

func TestWriterNeverWritesBeforeOpenUnderConcurrency(t *testing.T) {
	for i := 0; i < 20; i++ {
		rc := &recordingContainer{}
		w := newTestWriter(t, FormatMP4, WithContainer(func(io.Writer) Container { return rc }))

		var wg sync.WaitGroup
		for _, kind := range media.Kinds {
			kind := kind
			wg.Add(1)
			go func() {
				defer wg.Done()
				desc := codectest.VideoDescriptor()
				if kind == media.TrackAudio {
					desc = codectest.AudioDescriptor()
				}
				for n := int64(1); n <= 50; n++ {
					if n == 10 {
						w.RegisterTrack(kind, desc)
					}
					w.WriteAccessUnit(kind, unit(kind, n*1000, n%30 == 0))
				}
			}()
		}
		wg.Wait()
		w.Finalize()

		require.NotEmpty(t, rc.calls)
		assert.Equal(t, "open", rc.calls[0])
		assert.Equal(t, "close", rc.calls[len(rc.calls)-1])
	}
}

func TestWriterSwallowsWriteErrors(t *testing.T) {
	rc := &recordingContainer{writeErr: errors.New("disk full")}
	w := newTestWriter(t, FormatMP4, WithContainer(func(io.Writer) Container { return rc }))

	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())

	assert.NotPanics(t, func() {
		assert.False(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 1, true)))
	})
	w.Finalize()
	assert.EqualValues(t, 1, w.Stats().WriteErrors)
}

func TestWriterFailedOpenDropsWrites(t *testing.T) {
	rc := &recordingContainer{openErr: errors.New("boom")}
	w := newTestWriter(t, FormatMP4, WithContainer(func(io.Writer) Container { return rc }))

	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	_, opened := w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())
	assert.False(t, opened)
	assert.Equal(t, StateFailed, w.State())
	assert.False(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 1, true)))

	w.Finalize()
	assert.Equal(t, 0, rc.closes, "an unopened container is not closed")
	assert.Equal(t, StateFinalized, w.State())
}

func TestFinalizeWithoutTracksRemovesFile(t *testing.T) {
	w := newTestWriter(t, FormatMP4)
	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	w.Finalize()
	w.Finalize()

	_, err := os.Stat(w.Path())
	assert.True(t, os.IsNotExist(err), "a file without media must not be left behind")
	assert.True(t, w.Stats().Removed)
	assert.Zero(t, w.Stats().Bytes)
}

func TestWriterRebasesAndClampsTimestamps(t *testing.T) {
	rc := &recordingContainer{}
	w := newTestWriter(t, FormatMP4, WithContainer(func(io.Writer) Container { return rc }))
	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())

	// audio arrives first and sets the base; video then starts before it
	// and one unit of each track steps backwards
	for _, au := range []media.AccessUnit{
		unit(media.TrackAudio, 2_000_000, true),
		unit(media.TrackVideo, 1_990_000, true),
		unit(media.TrackAudio, 2_023_000, true),
		unit(media.TrackVideo, 2_033_000, false),
		unit(media.TrackVideo, 2_010_000, false),
		unit(media.TrackAudio, 2_015_000, true),
		unit(media.TrackVideo, 2_066_000, false),
		unit(media.TrackAudio, 2_046_000, true),
	} {
		require.True(t, w.WriteAccessUnit(au.Kind, au))
	}
	w.Finalize()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	require.Len(t, rc.written, 8)
	assert.Equal(t, writtenUnit{media.TrackAudio, 0}, rc.written[0])
	assert.Equal(t, writtenUnit{media.TrackVideo, 0}, rc.written[1], "units before the base clamp to zero")

	last := map[media.TrackKind]int64{}
	for _, u := range rc.written {
		assert.GreaterOrEqual(t, u.pts, int64(0))
		if prev, ok := last[u.kind]; ok {
			assert.GreaterOrEqual(t, u.pts, prev, "%s went backwards", u.kind)
		}
		last[u.kind] = u.pts
	}
	assert.EqualValues(t, 66_000, last[media.TrackVideo])
	assert.EqualValues(t, 46_000, last[media.TrackAudio])
}

func writeSession(t *testing.T, w *Writer, seconds int) {
	t.Helper()
	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())

	const start = int64(5_000_000)
	frames := seconds * media.VideoFrameRate
	audioStep := int64(media.AACFrameSamples) * 1_000_000 / media.AudioSampleRate
	audioPTS := start
	for i := 0; i < frames; i++ {
		pts := start + int64(i)*1_000_000/media.VideoFrameRate
		require.True(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, pts, i%media.VideoFrameRate == 0)))
		for audioPTS <= pts {
			require.True(t, w.WriteAccessUnit(media.TrackAudio, unit(media.TrackAudio, audioPTS, true)))
			audioPTS += audioStep
		}
	}
}

func TestContainersProduceValidFiles(t *testing.T) {
	for _, format := range []Format{FormatMP4, FormatMKV} {
		t.Run(string(format), func(t *testing.T) {
			w := newTestWriter(t, format)
			writeSession(t, w, 3)
			w.Finalize()

			info, err := probe.File(w.Path())
			require.NoError(t, err)
			assert.True(t, info.Playable(), "%+v", info.Tracks)

			video, ok := info.Track(media.TrackVideo)
			require.True(t, ok)
			assert.Equal(t, "h264", video.Codec)
			assert.Equal(t, 3*media.VideoFrameRate, video.Samples)
			assert.InDelta(t, 3*time.Second, video.Duration, float64(time.Second))

			audio, ok := info.Track(media.TrackAudio)
			require.True(t, ok)
			assert.Equal(t, "aac", audio.Codec)
			assert.Equal(t, media.AudioSampleRate, audio.SampleRate)

			st := w.Stats()
			assert.EqualValues(t, 3*media.VideoFrameRate, st.VideoUnits)
			assert.Positive(t, st.Bytes)
		})
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	w := newTestWriter(t, FormatMP4)
	writeSession(t, w, 2)

	w.Finalize()
	first, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	w.Finalize()
	w.Finalize()
	second, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, w.WriteAccessUnit(media.TrackVideo, unit(media.TrackVideo, 9_000_000, true)))
}

func TestCreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Create(path, FormatMP4)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(".MKV")
	require.NoError(t, err)
	assert.Equal(t, FormatMKV, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMP4, f)

	_, err = ParseFormat("avi")
	assert.Error(t, err)
}
