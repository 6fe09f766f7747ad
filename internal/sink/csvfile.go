package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/csrubin/buckeyeville-lidar/internal/fsutil"
	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
)

// DefaultCSVPath is the file the latest sweep is written to.
const DefaultCSVPath = "lidar.csv"

// CSVFile rewrites one file with the latest sweep on every cycle, so the file
// always holds exactly one sweep. Lines are "angle, distance, quality " with
// two-decimal fixed formatting.
type CSVFile struct {
	fs   fsutil.FileSystem
	path string
}

// NewCSVFile prepares a CSV sink at path, creating its parent directory.
func NewCSVFile(fsys fsutil.FileSystem, path string) (*CSVFile, error) {
	if fsys == nil {
		return nil, errors.New("csv sink: nil filesystem")
	}
	if path == "" {
		return nil, errors.New("csv sink: empty path")
	}
	if err := fsutil.EnsureParent(fsys, path); err != nil {
		return nil, fmt.Errorf("csv sink: %w", err)
	}
	return &CSVFile{fs: fsys, path: path}, nil
}

// Path returns the output file path.
func (c *CSVFile) Path() string { return c.path }

// WriteSweep truncates the file and writes sw to it.
func (c *CSVFile) WriteSweep(_ context.Context, sw grabber.Sweep) error {
	f, err := c.fs.Create(c.path)
	if err != nil {
		return fmt.Errorf("csv sink: %w", err)
	}

	werr := writeLines(f, csvLineFormat, sw)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("csv sink: write %s: %w", c.path, err)
	}
	return nil
}
