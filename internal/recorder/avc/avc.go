// Package avc holds the H.264 bitstream helpers shared by the encoder backend
// and the containers: Annex-B parsing, length-prefixed conversion, parameter
// set extraction and the avcC decoder configuration record.
package avc

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// StartCode4 is the 4-byte Annex-B start code.
var StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// ErrNoNALUs is returned when a buffer holds no NAL units.
var ErrNoNALUs = errors.New("no NAL units")

// Split parses an Annex-B buffer into NAL units without start codes.
func Split(data []byte) ([][]byte, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal annex-b: %w", err)
	}
	if len(annexB) == 0 {
		return nil, ErrNoNALUs
	}
	return annexB, nil
}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) h264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return h264.NALUType(nalu[0] & 0x1F)
}

// IsKeyFrame reports whether the access unit carries an IDR slice.
func IsKeyFrame(nalus [][]byte) bool {
	for _, n := range nalus {
		if NALUType(n) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the first SPS and PPS found in nalus.
func ParameterSets(nalus [][]byte) (sps, pps []byte) {
	for _, n := range nalus {
		switch NALUType(n) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = n
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = n
			}
		}
	}
	return sps, pps
}

// ToAVCC converts an Annex-B access unit into 4-byte length-prefixed form,
// dropping delimiters and in-band parameter sets.
func ToAVCC(data []byte) ([]byte, error) {
	nalus, err := Split(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+4*len(nalus))
	for _, n := range nalus {
		switch NALUType(n) {
		case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS:
			continue
		}
		out = appendLength(out, n)
	}
	if len(out) == 0 {
		return nil, ErrNoNALUs
	}
	return out, nil
}

// PrependParameterSets prefixes a length-prefixed access unit with SPS and PPS.
func PrependParameterSets(avcc, sps, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(avcc))
	out = appendLength(out, sps)
	out = appendLength(out, pps)
	return append(out, avcc...)
}

func appendLength(out, nalu []byte) []byte {
	l := uint32(len(nalu))
	out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
	return append(out, nalu...)
}

// DecoderConfig builds the AVCDecoderConfigurationRecord (avcC) used as
// codec private data by Matroska.
func DecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, errors.New("invalid parameter sets")
	}
	out := []byte{
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // numOfSequenceParameterSets = 1
		byte(len(sps) >> 8), byte(len(sps)),
	}
	out = append(out, sps...)
	out = append(out, 1, byte(len(pps)>>8), byte(len(pps)))
	return append(out, pps...), nil
}

// PictureSize decodes the coded width and height from an SPS.
func PictureSize(sps []byte) (width, height int, err error) {
	var s h264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("unmarshal sps: %w", err)
	}
	return s.Width(), s.Height(), nil
}
