// Package mux owns the output container of a recording. Both encoder
// workers hand it their track descriptors and access units; it opens the
// container once both tracks are known and serializes every write.
package mux

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/media"
)

// State is the lifecycle of the container.
type State int

const (
	// StateAwaitingTracks means at least one track descriptor is missing.
	StateAwaitingTracks State = iota
	// StateOpen means the header is committed and access units are written.
	StateOpen
	// StateFailed means the header could not be committed; writes are dropped.
	StateFailed
	// StateFinalized means the file is closed.
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateAwaitingTracks:
		return "awaiting-tracks"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats summarizes what reached the container.
type Stats struct {
	VideoUnits  int64
	AudioUnits  int64
	Dropped     int64 // units offered before the container opened
	WriteErrors int64
	Bytes       int64
	Removed     bool // nothing was written, the file is gone
}

// Option customizes a Writer.
type Option func(*Writer)

// WithContainer overrides the container implementation.
func WithContainer(fn ContainerFunc) Option {
	return func(w *Writer) { w.newContainer = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// countingWriter may be written from the matroska marshal goroutine.
type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Writer is the single owner of one output file.
type Writer struct {
	path         string
	format       Format
	logger       *slog.Logger
	newContainer ContainerFunc

	mu        sync.Mutex
	file      *os.File
	out       *countingWriter
	container Container
	state     State
	tracks    map[media.TrackKind]int
	descs     map[media.TrackKind]media.TrackDescriptor
	basePTS   int64
	baseSet   bool
	lastPTS   map[media.TrackKind]int64
	stats     Stats
}

// Create creates the output file. Nothing is written until both tracks are
// registered.
func Create(path string, format Format, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output %s: %w", path, err)
	}
	w := &Writer{
		path:    path,
		format:  format,
		logger:  slog.Default(),
		file:    f,
		tracks:  make(map[media.TrackKind]int, 2),
		descs:   make(map[media.TrackKind]media.TrackDescriptor, 2),
		lastPTS: make(map[media.TrackKind]int64, 2),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.newContainer == nil {
		w.newContainer = containerFor(format)
	}
	w.logger = w.logger.With("component", "mux", "path", path)
	w.out = &countingWriter{w: f}
	return w, nil
}

// Path returns the output file path.
func (w *Writer) Path() string { return w.path }

// RegisterTrack assigns a container track index to kind. Only the first
// call per kind has effect. When both kinds are registered the container
// header is committed. It returns the index and whether the container is open.
func (w *Writer) RegisterTrack(kind media.TrackKind, desc media.TrackDescriptor) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if idx, ok := w.tracks[kind]; ok {
		return idx, w.state == StateOpen
	}
	if w.state != StateAwaitingTracks {
		return -1, w.state == StateOpen
	}
	if desc.Kind != kind || !desc.Valid() {
		w.logger.Warn("ignoring incomplete track descriptor", "kind", kind)
		return -1, false
	}

	idx := len(w.tracks)
	w.tracks[kind] = idx
	w.descs[kind] = desc
	w.logger.Debug("track registered", "kind", kind, "index", idx)

	if len(w.tracks) == len(media.Kinds) {
		w.open()
	}
	return idx, w.state == StateOpen
}

func (w *Writer) open() {
	w.container = w.newContainer(w.out)
	if err := w.container.Open(w.descs[media.TrackVideo], w.descs[media.TrackAudio]); err != nil {
		w.logger.Error("failed to open container", "error", err)
		w.state = StateFailed
		return
	}
	w.state = StateOpen
	w.logger.Info("container opened", "format", w.format)
}

// Opened reports whether the container header has been committed.
func (w *Writer) Opened() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateOpen
}

// State returns the current container state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// WriteAccessUnit appends au to its track. It is a no-op until the
// container is open. I/O failures are logged and counted, never returned.
// It reports whether the unit reached the container.
func (w *Writer) WriteAccessUnit(kind media.TrackKind, au media.AccessUnit) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateOpen {
		w.stats.Dropped++
		return false
	}
	if len(au.Payload) == 0 {
		return false
	}

	if !w.baseSet {
		w.basePTS = au.PTS
		w.baseSet = true
	}
	pts := au.PTS - w.basePTS
	if pts < 0 {
		pts = 0
	}
	if last, ok := w.lastPTS[kind]; ok && pts < last {
		w.logger.Debug("clamping non-monotonic timestamp", "kind", kind, "pts", pts, "last", last)
		pts = last
	}

	if err := w.container.Write(kind, pts, au.KeyFrame, au.Payload); err != nil {
		w.stats.WriteErrors++
		w.logger.Warn("write failed", "kind", kind, "pts", au.PTS, "error", err)
		return false
	}
	w.lastPTS[kind] = pts
	if kind == media.TrackVideo {
		w.stats.VideoUnits++
	} else {
		w.stats.AudioUnits++
	}
	return true
}

// Finalize closes the container if it was opened and always releases the
// file. A file whose container never opened holds no media and is removed.
// Calls after the first are no-ops.
func (w *Writer) Finalize() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateFinalized {
		return
	}
	opened := w.state == StateOpen
	w.state = StateFinalized

	if opened {
		if err := w.container.Close(); err != nil {
			w.stats.WriteErrors++
			w.logger.Warn("failed to finalize container", "error", err)
		}
		if err := w.file.Sync(); err != nil {
			w.logger.Warn("failed to sync output", "error", err)
		}
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("failed to close output", "error", err)
	}
	w.stats.Bytes = w.out.n.Load()
	if !opened {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove empty output", "path", w.path, "error", err)
		} else {
			w.stats.Bytes = 0
			w.stats.Removed = true
		}
	}
	w.logger.Info("container finalized",
		"opened", opened,
		"video_units", w.stats.VideoUnits,
		"audio_units", w.stats.AudioUnits,
		"bytes", w.stats.Bytes)
}

// Stats returns a snapshot of the write counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Bytes = w.out.n.Load()
	return s
}
