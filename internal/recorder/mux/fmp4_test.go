package mux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

func TestScaleTimestampToTimescale(t *testing.T) {
	assert.EqualValues(t, 0, scaleTimestampToTimescale(-5, 90000))
	assert.EqualValues(t, 90000, scaleTimestampToTimescale(1_000_000, 90000))
	assert.EqualValues(t, 44100, scaleTimestampToTimescale(1_000_000, 44100))
}

func TestStripADTSHeader(t *testing.T) {
	raw := []byte{0x21, 0x10, 0x05}
	adts := append([]byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x3F, 0xFC}, raw...)
	assert.Equal(t, raw, stripADTSHeader(adts))
	assert.Equal(t, raw, stripADTSHeader(raw))
}

func TestFMP4FragmentsAtKeyframes(t *testing.T) {
	var buf bytes.Buffer
	c := newFMP4(&buf)
	require.NoError(t, c.Open(codectest.VideoDescriptor(), codectest.AudioDescriptor()))
	initLen := buf.Len()
	assert.Positive(t, initLen)

	frame := int64(1_000_000 / media.VideoFrameRate)
	for i := int64(0); i < media.VideoFrameRate; i++ {
		payload := codectest.DeltaFrame()
		if i == 0 {
			payload = codectest.KeyFrame()
		}
		require.NoError(t, c.Write(media.TrackVideo, i*frame, i == 0, payload))
	}
	assert.Equal(t, initLen, buf.Len(), "nothing flushed before a full second is pending")

	require.NoError(t, c.Write(media.TrackVideo, 1_000_000, true, codectest.KeyFrame()))
	assert.Greater(t, buf.Len(), initLen, "keyframe after one second cuts a fragment")
	assert.EqualValues(t, 2, c.seq)

	v := c.tracks[media.TrackVideo]
	require.NotNil(t, v.pending)
	assert.Empty(t, v.samples)

	require.NoError(t, c.Close())
	assert.Nil(t, v.pending)
	assert.EqualValues(t, 3, c.seq)
}

func TestFMP4RejectsGarbageVideo(t *testing.T) {
	var buf bytes.Buffer
	c := newFMP4(&buf)
	require.NoError(t, c.Open(codectest.VideoDescriptor(), codectest.AudioDescriptor()))
	assert.Error(t, c.Write(media.TrackVideo, 0, true, codectest.AnnexB([]byte{0x09, 0xf0})))
}
