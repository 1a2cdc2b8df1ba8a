// Package ffproc runs ffmpeg child processes with piped stdin/stdout and a
// bounded shutdown.
package ffproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long Stop waits for a clean exit before killing.
const DefaultGrace = 250 * time.Millisecond

// Process is one running ffmpeg invocation.
type Process struct {
	name   string
	logger *slog.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done    chan struct{}
	waitErr error

	mu       sync.Mutex
	stderr   []string
	stopOnce sync.Once
}

// Options describes how to launch a process.
type Options struct {
	Path   string // ffmpeg binary, defaults to "ffmpeg"
	Args   []string
	Stdin  bool
	Stdout bool
	Logger *slog.Logger
	Name   string
}

// Start launches ffmpeg.
func Start(opts Options) (*Process, error) {
	path := opts.Path
	if path == "" {
		path = "ffmpeg"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(path, opts.Args...)
	p := &Process{
		name:   opts.Name,
		logger: logger,
		cmd:    cmd,
		done:   make(chan struct{}),
	}

	var err error
	if opts.Stdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}
	// Read ends are owned here rather than by exec.Cmd, so output the child
	// wrote before exiting stays readable after Wait returns.
	var stdoutR, stdoutW *os.File
	if opts.Stdout {
		if stdoutR, stdoutW, err = os.Pipe(); err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdout = stdoutW
		p.stdout = &pipeReader{f: stdoutR}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	// The child holds its own copies of the write ends.
	closeFiles(stdoutW, stderrW)
	logger.Debug("ffmpeg started", "name", p.name, "pid", cmd.Process.Pid, "args", strings.Join(opts.Args, " "))

	go p.collectStderr(&pipeReader{f: stderrR})
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// pipeReader is the parent's read end of a child pipe. It closes itself at
// EOF or on the first read error so abandoned readers do not leak fds.
type pipeReader struct {
	f    *os.File
	once sync.Once
}

func (r *pipeReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil {
		_ = r.Close()
	}
	return n, err
}

func (r *pipeReader) Close() error {
	var err error
	r.once.Do(func() { err = r.f.Close() })
	return err
}

func (p *Process) collectStderr(r io.ReadCloser) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > 20 {
			p.stderr = p.stderr[1:]
		}
		p.mu.Unlock()
		p.logger.Debug("ffmpeg", "name", p.name, "line", line)
	}
}

// Stdin returns the process stdin, nil unless requested.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process stdout, nil unless requested.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Stderr returns the last lines ffmpeg printed.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderr, "\n")
}

// CloseInput closes stdin so ffmpeg flushes and exits.
func (p *Process) CloseInput() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

// Stop closes stdin and waits up to grace for exit, then escalates to
// SIGTERM and finally SIGKILL. Processes without piped stdin go straight to
// SIGTERM. It is safe to call more than once.
func (p *Process) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
			select {
			case <-p.done:
				return
			case <-time.After(grace):
			}
		}

		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			p.logger.Debug("ffmpeg terminated", "name", p.name)
			return
		case <-time.After(grace):
		}

		err = p.cmd.Process.Kill()
		<-p.done
		p.logger.Warn("ffmpeg force killed", "name", p.name)
	})
	return err
}

// Probe runs ffmpeg to completion and returns its combined output.
func Probe(ctx context.Context, path string, args ...string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	return string(out), err
}
