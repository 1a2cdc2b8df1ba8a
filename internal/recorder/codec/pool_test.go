package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

func TestOutputQueueTimesOut(t *testing.T) {
	q := NewOutputQueue(2)

	start := time.Now()
	out, err := q.Dequeue(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutputNone, out.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestOutputQueueOrder(t *testing.T) {
	q := NewOutputQueue(2)
	require.NoError(t, q.PushFormat(media.TrackDescriptor{Kind: media.TrackAudio}))
	require.NoError(t, q.PushBuffer(&OutputBuffer{Data: []byte{1}, PTS: 10}))

	out, err := q.Dequeue(time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutputFormatChanged, out.Kind)
	assert.Equal(t, media.TrackAudio, out.Format.Kind)

	out, err = q.Dequeue(time.Second)
	require.NoError(t, err)
	require.Equal(t, OutputReady, out.Kind)
	assert.EqualValues(t, 10, out.Buffer.PTS)
	assert.Equal(t, 1, out.Buffer.Size())
}

func TestOutputQueueBackpressure(t *testing.T) {
	q := NewOutputQueue(1)
	require.NoError(t, q.PushBuffer(&OutputBuffer{Data: []byte{1}}))

	pushed := make(chan error, 1)
	go func() { pushed <- q.PushBuffer(&OutputBuffer{Data: []byte{2}}) }()

	out, err := q.Dequeue(time.Second)
	require.NoError(t, err)

	select {
	case <-pushed:
		t.Fatal("producer must wait for the held slot")
	case <-time.After(50 * time.Millisecond):
	}

	q.Release(out.Buffer)
	select {
	case err := <-pushed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer not unblocked by release")
	}
}

func TestOutputQueueClose(t *testing.T) {
	q := NewOutputQueue(1)
	require.NoError(t, q.PushBuffer(&OutputBuffer{}))

	blocked := make(chan error, 1)
	go func() { blocked <- q.PushBuffer(&OutputBuffer{}) }()

	q.Close()
	q.Close()

	assert.ErrorIs(t, <-blocked, ErrReleased)
	_, err := q.Dequeue(time.Second)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestInputPool(t *testing.T) {
	p := NewInputPool(1, 16)

	buf, err := p.Acquire(time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Len(t, buf.Data, 16)

	none, err := p.Acquire(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none, "exhausted pool yields nothing after the wait")

	p.Put(buf)
	again, err := p.Acquire(time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, buf, again)

	p.Close()
	_, err = p.Acquire(time.Millisecond)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestVideoConfigGOP(t *testing.T) {
	assert.Equal(t, 30, VideoConfig{}.GOP())
	assert.Equal(t, 60, VideoConfig{FrameRate: 30, KeyFrameInterval: 2}.GOP())
}
