package avc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/codectest"
)

func TestToAVCCDropsParameterSets(t *testing.T) {
	au := codectest.KeyFrame()

	nalus, err := Split(au)
	require.NoError(t, err)
	require.Len(t, nalus, 3)
	assert.True(t, IsKeyFrame(nalus))

	sps, pps := ParameterSets(nalus)
	assert.Equal(t, codectest.SPS, sps)
	assert.Equal(t, codectest.PPS, pps)

	avcc, err := ToAVCC(au)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(avcc[:4])
	assert.Equal(t, int(n), len(avcc)-4, "only the IDR slice remains")
	assert.Equal(t, byte(0x65), avcc[4])
}

func TestToAVCCRejectsDelimiterOnly(t *testing.T) {
	_, err := ToAVCC(codectest.AnnexB([]byte{0x09, 0xf0}))
	assert.ErrorIs(t, err, ErrNoNALUs)
}

func TestDeltaFrameIsNotKey(t *testing.T) {
	nalus, err := Split(codectest.DeltaFrame())
	require.NoError(t, err)
	assert.False(t, IsKeyFrame(nalus))
}

func TestPrependParameterSets(t *testing.T) {
	avcc := []byte{0, 0, 0, 1, 0x65}
	out := PrependParameterSets(avcc, codectest.SPS, codectest.PPS)

	assert.Equal(t, uint32(len(codectest.SPS)), binary.BigEndian.Uint32(out[:4]))
	off := 4 + len(codectest.SPS)
	assert.Equal(t, uint32(len(codectest.PPS)), binary.BigEndian.Uint32(out[off:off+4]))
	assert.Equal(t, avcc, out[len(out)-len(avcc):])

	assert.Equal(t, avcc, PrependParameterSets(avcc, nil, codectest.PPS))
}

func TestDecoderConfig(t *testing.T) {
	rec, err := DecoderConfig(codectest.SPS, codectest.PPS)
	require.NoError(t, err)
	assert.Equal(t, byte(1), rec[0])
	assert.Equal(t, codectest.SPS[1], rec[1])
	assert.Equal(t, byte(0xE1), rec[5])
	assert.Equal(t, 6+2+len(codectest.SPS)+3+len(codectest.PPS), len(rec))

	_, err = DecoderConfig(nil, codectest.PPS)
	assert.Error(t, err)
}

func TestPictureSize(t *testing.T) {
	w, h, err := PictureSize(codectest.SPS)
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}
