package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
)

// ServerService defines the interface for server operations that handlers need
type ServerService interface {
	// Status and info
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Recording
	Recorder() Recorder
	Library() Library
	// NewGrant issues the capture authorization for a start request.
	NewGrant(req *http.Request) (*source.Grant, error)

	// Server lifecycle
	Stop() error
}

// Recorder is the session controller as seen by the control surface.
type Recorder interface {
	Start(ctx context.Context, grant *source.Grant, bitrate int) (session.Session, error)
	Stop() (*session.Result, error)
	Discard() (*session.Result, error)
	State() session.State
	IsRecording() bool
	Current() (session.Session, bool)
	LastResult() *session.Result
	Events() *session.EventBus
}

// Library is the recordings catalog.
type Library interface {
	List() ([]library.Recording, error)
	Get(name string) (library.Recording, error)
	Delete(name string) error
}
