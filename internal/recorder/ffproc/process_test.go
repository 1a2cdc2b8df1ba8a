package ffproc

import (
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

func TestStdoutReadableAfterExit(t *testing.T) {
	skipWithoutShell(t)

	p, err := Start(Options{
		Path:   "/bin/sh",
		Args:   []string{"-c", "head -c 60000 /dev/zero"},
		Stdout: true,
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	require.NoError(t, p.Err())

	data, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Len(t, data, 60000)
}

func TestStopClosesStdinFirst(t *testing.T) {
	skipWithoutShell(t)

	p, err := Start(Options{
		Path:   "/bin/sh",
		Args:   []string{"-c", "cat"},
		Stdin:  true,
		Stdout: true,
	})
	require.NoError(t, err)

	_, err = p.Stdin().Write([]byte("hello"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(time.Second))
	assert.Less(t, time.Since(start), time.Second)

	data, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStopEscalatesOnStuckChild(t *testing.T) {
	skipWithoutShell(t)

	p, err := Start(Options{
		Path:  "/bin/sh",
		Args:  []string{"-c", "trap '' TERM; exec sleep 30"},
		Stdin: true,
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(50*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	<-p.Done()
	assert.Error(t, p.Err())
}

func TestStderrTail(t *testing.T) {
	skipWithoutShell(t)

	p, err := Start(Options{
		Path: "/bin/sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	require.NoError(t, err)
	<-p.Done()
	assert.Error(t, p.Err())

	assert.Eventually(t, func() bool { return p.Stderr() == "boom" }, time.Second, 10*time.Millisecond)
}
