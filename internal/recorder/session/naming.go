package session

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/mux"
)

// FilePrefix starts every recording file name.
const FilePrefix = "ScreenRec_"

const nameLayout = "020106150405" // ddMMyyHHmmss

// maxCollisions bounds the _N suffix search.
const maxCollisions = 100

// FileName returns the base name for a recording started at t.
func FileName(t time.Time, format mux.Format, n int) string {
	stamp := t.Format(nameLayout)
	if n > 0 {
		return fmt.Sprintf("%s%s_%d%s", FilePrefix, stamp, n, format.Ext())
	}
	return FilePrefix + stamp + format.Ext()
}

// createOutput creates the output folder if needed and the first free
// timestamp-named file inside it.
func createOutput(dir string, t time.Time, format mux.Format, opts ...mux.Option) (*mux.Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output folder")
	}
	for n := 0; n < maxCollisions; n++ {
		w, err := mux.Create(filepath.Join(dir, FileName(t, format, n)), format, opts...)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return w, err
	}
	return nil, errors.Errorf("no free file name for %s in %s", t.Format(nameLayout), dir)
}

// FreeSpaceFunc reports the bytes available to the filesystem holding dir.
type FreeSpaceFunc func(dir string) (uint64, error)

func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
