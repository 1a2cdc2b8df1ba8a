// Package session drives one recording at a time through
// idle, starting, recording, stopping and stopped.
package session

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
)

var (
	// ErrBusy is returned by Start unless the controller is idle.
	ErrBusy = errors.New("recorder busy")
	// ErrNotRecording is returned by Stop and Discard without a recording.
	ErrNotRecording = errors.New("not recording")
	// ErrInsufficientSpace is returned when the output folder is nearly full.
	ErrInsufficientSpace = errors.New("insufficient free space")
)

// State is the controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown state %q", b)
}

// Session describes one recording.
type Session struct {
	ID         string     `json:"id"`
	Path       string     `json:"path"`
	Format     mux.Format `json:"format"`
	BitRate    int        `json:"bitrate"`
	SampleRate int        `json:"sampleRate"`
	Channels   int        `json:"channels"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Result summarizes a finished recording.
type Result struct {
	Session
	Duration     time.Duration `json:"duration"`
	Discarded    bool          `json:"discarded"`
	Reason       string        `json:"reason"`
	VideoUnits   int64         `json:"videoUnits"`
	AudioUnits   int64         `json:"audioUnits"`
	AudioDropped int64         `json:"audioDropped"`
	WriteErrors  int64         `json:"writeErrors"`
	Bytes        int64         `json:"bytes"`
	// Error holds teardown failures; the recording itself still stopped.
	Error string `json:"error,omitempty"`
}
