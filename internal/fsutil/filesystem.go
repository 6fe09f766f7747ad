// Package fsutil provides the filesystem seam used by the sweep output sinks.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileSystem abstracts the filesystem operations the output sinks need.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// Create creates or truncates the named file.
	Create(name string) (io.WriteCloser, error)

	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(path string, perm os.FileMode) error
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

// Create creates the named file.
func (OSFileSystem) Create(name string) (io.WriteCloser, error) {
	return os.Create(name)
}

// ReadFile reads the named file.
func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// MkdirAll creates a directory path.
func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// EnsureParent creates the directory that will hold name, if any.
func EnsureParent(fsys FileSystem, name string) error {
	dir := filepath.Dir(name)
	if dir == "." || dir == "" {
		return nil
	}
	return fsys.MkdirAll(dir, 0o755)
}

// ErrInjected is returned by MemoryFileSystem.Create for names registered
// with FailCreate.
var ErrInjected = errors.New("fsutil: injected create failure")

// MemoryFileSystem provides an in-memory filesystem for testing.
//
// Contents become visible to ReadFile when the writer returned by Create is
// closed, which matches how a truncated-then-written file looks to a reader
// after the sink is done with it.
type MemoryFileSystem struct {
	mu       sync.RWMutex
	files    map[string][]byte
	dirs     map[string]bool
	failures map[string]bool
	creates  map[string]int
}

// NewMemoryFileSystem creates a new in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files:    make(map[string][]byte),
		dirs:     make(map[string]bool),
		failures: make(map[string]bool),
		creates:  make(map[string]int),
	}
}

// FailCreate makes subsequent Create calls for name fail with ErrInjected
// until cleared with fail=false.
func (m *MemoryFileSystem) FailCreate(name string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[filepath.Clean(name)] = fail
}

// Create creates or truncates a file.
func (m *MemoryFileSystem) Create(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if m.failures[name] {
		return nil, &fs.PathError{Op: "create", Path: name, Err: ErrInjected}
	}
	m.creates[name]++
	m.files[name] = []byte{}

	return &memFileWriter{fs: m, name: name}, nil
}

// CreateCount reports how many times name was successfully created.
func (m *MemoryFileSystem) CreateCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creates[filepath.Clean(name)]
}

// ReadFile reads a file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	data, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}

	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// MkdirAll creates directories.
func (m *MemoryFileSystem) MkdirAll(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path = filepath.Clean(path)
	for p := path; p != "." && p != "/"; p = filepath.Dir(p) {
		m.dirs[p] = true
		if filepath.Dir(p) == p {
			break
		}
	}
	return nil
}

// DirExists reports whether MkdirAll created path.
func (m *MemoryFileSystem) DirExists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirs[filepath.Clean(path)]
}

// memFileWriter implements io.WriteCloser for writing.
type memFileWriter struct {
	fs     *MemoryFileSystem
	name   string
	buf    []byte
	closed bool
}

func (f *memFileWriter) Write(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (f *memFileWriter) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true

	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.fs.files[f.name] = f.buf
	return nil
}
