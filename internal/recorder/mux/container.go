package mux

import (
	"fmt"
	"io"
	"strings"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// Format selects the on-disk container.
type Format string

const (
	// FormatMP4 is fragmented ISO-BMFF.
	FormatMP4 Format = "mp4"
	// FormatMKV is Matroska.
	FormatMKV Format = "mkv"
)

// ParseFormat validates a configured container name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(s, "."))) {
	case FormatMP4, "":
		return FormatMP4, nil
	case FormatMKV, "matroska":
		return FormatMKV, nil
	default:
		return "", fmt.Errorf("unsupported container format %q", s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// Container serializes both tracks into w. Calls are serialized by Writer.
// Timestamps reaching Write are microseconds relative to the first written
// access unit and never negative.
type Container interface {
	Open(video, audio media.TrackDescriptor) error
	Write(kind media.TrackKind, pts int64, keyFrame bool, payload []byte) error
	Close() error
}

// ContainerFunc creates a container writing to w.
type ContainerFunc func(w io.Writer) Container

func containerFor(f Format) ContainerFunc {
	switch f {
	case FormatMKV:
		return func(w io.Writer) Container { return newMatroska(w) }
	default:
		return func(w io.Writer) Container { return newFMP4(w) }
	}
}

// stripADTSHeader removes an ADTS header if present and returns the raw AAC payload.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}
