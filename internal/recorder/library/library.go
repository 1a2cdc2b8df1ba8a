// Package library lists, deletes and watches finished recordings in the
// output folder.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/probe"
)

var (
	// ErrInvalidName is returned for names that are not a recording file
	// directly inside the output folder.
	ErrInvalidName = errors.New("invalid recording name")
	// ErrNotFound is returned when the recording does not exist.
	ErrNotFound = errors.New("recording not found")
)

// DefaultDebounce coalesces bursts of writes to one file.
const DefaultDebounce = 300 * time.Millisecond

// Recording is one file in the output folder.
type Recording struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Size       int64       `json:"size"`
	ModTime    time.Time   `json:"modTime"`
	Info       *probe.Info `json:"info,omitempty"`
	ProbeError string      `json:"probeError,omitempty"`
}

// Op is the kind of change Watch reports.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpRemoved Op = "removed"
)

// Change is a debounced change to one recording.
type Change struct {
	Op   Op     `json:"op"`
	Name string `json:"name"`
}

// Catalog reads the output folder.
type Catalog struct {
	dir      string
	logger   *slog.Logger
	Debounce time.Duration
}

// New returns a catalog of dir.
func New(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{dir: dir, logger: logger.With("component", "library"), Debounce: DefaultDebounce}
}

// Dir returns the output folder.
func (c *Catalog) Dir() string { return c.dir }

func isRecording(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mkv":
		return !strings.HasPrefix(name, ".")
	default:
		return false
	}
}

func (c *Catalog) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || !isRecording(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(c.dir, name), nil
}

// List returns recordings newest first. A missing folder is empty.
func (c *Catalog) List() ([]Recording, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", c.dir, err)
	}

	var out []Recording
	for _, e := range entries {
		if e.IsDir() || !isRecording(e.Name()) {
			continue
		}
		rec, err := c.Get(e.Name())
		if err != nil {
			// removed while listing
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Get stats and probes one recording.
func (c *Catalog) Get(name string) (Recording, error) {
	path, err := c.resolve(name)
	if err != nil {
		return Recording{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Recording{}, err
	}
	rec := Recording{Name: name, Path: path, Size: st.Size(), ModTime: st.ModTime()}
	if info, err := probe.File(path); err != nil {
		rec.ProbeError = err.Error()
	} else {
		rec.Info = info
	}
	return rec, nil
}

// Delete removes one recording.
func (c *Catalog) Delete(name string) error {
	path, err := c.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	c.logger.Info("recording deleted", "name", name)
	return nil
}

// Watch calls fn for each debounced change in the folder until ctx is done.
// The folder is created if absent.
func (c *Catalog) Watch(ctx context.Context, fn func(Change)) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	go func() {
		defer watcher.Close()
		d := newDebouncer(c.Debounce, fn)
		defer d.stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if !isRecording(name) {
					continue
				}
				switch {
				case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
					d.schedule(name, OpRemoved)
				case ev.Has(fsnotify.Create):
					d.schedule(name, OpCreated)
				case ev.Has(fsnotify.Write):
					d.schedule(name, OpUpdated)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

// debouncer delivers the last op per name once the name has been quiet for
// delay. A create followed by writes is still reported as created.
type debouncer struct {
	delay time.Duration
	fn    func(Change)

	mu      sync.Mutex
	pending map[string]Op
	timers  map[string]*time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fn func(Change)) *debouncer {
	return &debouncer{delay: delay, fn: fn, pending: map[string]Op{}, timers: map[string]*time.Timer{}}
}

func (d *debouncer) schedule(name string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.pending[name]; ok && prev == OpCreated && op == OpUpdated {
		op = OpCreated
	}
	d.pending[name] = op
	if t, ok := d.timers[name]; ok {
		t.Stop()
	}
	d.timers[name] = time.AfterFunc(d.delay, func() { d.fire(name) })
}

func (d *debouncer) fire(name string) {
	d.mu.Lock()
	op, ok := d.pending[name]
	delete(d.pending, name)
	delete(d.timers, name)
	stopped := d.stopped
	d.mu.Unlock()
	if ok && !stopped {
		d.fn(Change{Op: op, Name: name})
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
}
