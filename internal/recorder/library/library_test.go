package library

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
)

func writeRecording(t *testing.T, path string) {
	t.Helper()
	w, err := mux.Create(path, mux.FormatMP4)
	require.NoError(t, err)
	w.RegisterTrack(media.TrackVideo, codectest.VideoDescriptor())
	w.RegisterTrack(media.TrackAudio, codectest.AudioDescriptor())
	for i := int64(0); i < 30; i++ {
		frame := codectest.DeltaFrame()
		if i == 0 {
			frame = codectest.KeyFrame()
		}
		w.WriteAccessUnit(media.TrackVideo, media.AccessUnit{Kind: media.TrackVideo, PTS: 1 + i*33_333, KeyFrame: i == 0, Payload: frame})
		w.WriteAccessUnit(media.TrackAudio, media.AccessUnit{Kind: media.TrackAudio, PTS: 1 + i*23_220, KeyFrame: true, Payload: codectest.AACFrame})
	}
	w.Finalize()
}

func TestListProbesRecordings(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, filepath.Join(dir, "ScreenRec_010124120000.mp4"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.mkv"), []byte("not a container"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "broken.mkv"), old, old))

	recs, err := New(dir, nil).List()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "ScreenRec_010124120000.mp4", recs[0].Name)
	require.NotNil(t, recs[0].Info)
	assert.True(t, recs[0].Info.Playable())
	assert.Positive(t, recs[0].Size)

	assert.Equal(t, "broken.mkv", recs[1].Name)
	assert.Nil(t, recs[1].Info)
	assert.NotEmpty(t, recs[1].ProbeError)
}

func TestListMissingFolder(t *testing.T) {
	recs, err := New(filepath.Join(t.TempDir(), "absent"), nil).List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDeleteRejectsOutsideNames(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "rec")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	outside := filepath.Join(root, "keep.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	c := New(dir, nil)
	for _, name := range []string{"../keep.mp4", "", ".", "..", "sub/x.mp4", `..\keep.mp4`, "notes.txt"} {
		assert.ErrorIs(t, c.Delete(name), ErrInvalidName, name)
	}
	_, err := os.Stat(outside)
	assert.NoError(t, err)

	assert.ErrorIs(t, c.Delete("missing.mp4"), ErrNotFound)

	target := filepath.Join(dir, "a.mp4")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, c.Delete("a.mp4"))
	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestWatchReportsChanges(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	c := New(dir, nil)
	c.Debounce = 50 * time.Millisecond

	var (
		mu  sync.Mutex
		got []Change
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx, func(ch Change) {
		mu.Lock()
		got = append(got, ch)
		mu.Unlock()
	}))

	path := filepath.Join(dir, "b.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	seen := func(want Change) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, ch := range got {
				if ch == want {
					return true
				}
			}
			return false
		}
	}
	assert.Eventually(t, seen(Change{Op: OpCreated, Name: "b.mp4"}), 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, seen(Change{Op: OpRemoved, Name: "b.mp4"}), 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	for _, ch := range got {
		assert.NotEqual(t, "ignored.txt", ch.Name)
	}
	mu.Unlock()
}
