package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/halvorsen/wbf"
)

// Config is the recognized configuration surface for the default filesystem
// driver.
type Config struct {
	// Path is the directory blobs are written to and read from.
	Path string
	// EnableCompression wraps the entire blob (header+payload) in a gzip
	// stream on write and transparently decompresses on read.
	EnableCompression bool
	// BufferSizeBytes sizes the in-memory buffer Save stages writes
	// through before handing them to the atomic rename step.
	BufferSizeBytes int
	// IgnoreErrors, if true, causes Save/Delete to log-and-swallow I/O
	// failures instead of returning them.
	IgnoreErrors bool
	// LockTimeout bounds how long Save waits to acquire the cooperative
	// lock file before giving up.
	LockTimeout time.Duration
	// Logger receives diagnostics when IgnoreErrors swallows a failure.
	Logger wbf.Logger
}

const defaultBufferSize = 64 * 1024
const defaultLockTimeout = 5 * time.Second
const fileExt = ".wbf"
const lockExt = ".wbf.lock"

// FileDriver is the default Driver implementation: one file per name in a
// configured directory, written via temp-file-then-rename for atomicity and
// serialized against concurrent writers of the same name via a cooperative
// `.lock` file. This mirrors calvinalkan/agent-task's lock.go
// (acquireLockWithTimeout + github.com/natefinch/atomic.WriteFile), with
// golang.org/x/sys/unix.Flock standing in for that repo's direct
// syscall.Flock call since x/sys is this module's chosen dependency for it.
type FileDriver struct {
	dir          string
	compress     bool
	bufSize      int
	ignoreErrors bool
	lockTimeout  time.Duration
	logger       wbf.Logger
}

// NewFileDriver creates the target directory if needed and returns a
// FileDriver rooted at cfg.Path.
func NewFileDriver(cfg Config) (*FileDriver, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path must be set")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory %s: %w", cfg.Path, err)
	}
	bufSize := cfg.BufferSizeBytes
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &FileDriver{
		dir:          cfg.Path,
		compress:     cfg.EnableCompression,
		bufSize:      bufSize,
		ignoreErrors: cfg.IgnoreErrors,
		lockTimeout:  lockTimeout,
		logger:       wbf.OrNoop(cfg.Logger),
	}, nil
}

func (d *FileDriver) blobPath(name string) string {
	return filepath.Join(d.dir, name+fileExt)
}

func (d *FileDriver) lockPath(name string) string {
	return filepath.Join(d.dir, name+lockExt)
}

// fileLock holds an exclusive cooperative lock on a `.lock` companion file.
type fileLock struct {
	f *os.File
}

func (d *FileDriver) acquireLock(ctx context.Context, name string) (*fileLock, error) {
	f, err := os.OpenFile(d.lockPath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open lock file: %w", err)
	}

	deadline := time.Now().Add(d.lockTimeout)
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &fileLock{f: f}, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("storage: timed out acquiring lock for %s", name)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (l *fileLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}

// Save stages r into a buffer (optionally gzip-compressed), then commits it
// via atomic temp-file-then-rename, serialized by the name's lock file.
func (d *FileDriver) Save(ctx context.Context, name string, r io.Reader) (err error) {
	lock, err := d.acquireLock(ctx, name)
	if err != nil {
		return d.maybeIgnore(fmt.Errorf("storage: acquire lock: %w", err))
	}
	defer lock.release()

	buf := bytes.NewBuffer(make([]byte, 0, d.bufSize))
	if d.compress {
		gz := gzip.NewWriter(buf)
		if _, err := io.Copy(gz, r); err != nil {
			return d.maybeIgnore(fmt.Errorf("storage: compress blob %s: %w", name, err))
		}
		if err := gz.Close(); err != nil {
			return d.maybeIgnore(fmt.Errorf("storage: finalize compressed blob %s: %w", name, err))
		}
	} else if _, err := io.Copy(buf, r); err != nil {
		return d.maybeIgnore(fmt.Errorf("storage: stage blob %s: %w", name, err))
	}

	if err := atomic.WriteFile(d.blobPath(name), buf); err != nil {
		return d.maybeIgnore(fmt.Errorf("storage: commit blob %s: %w", name, err))
	}
	return nil
}

// Load opens name's blob for reading, transparently decompressing it if
// compression is enabled. It returns ErrNotFound if the blob doesn't exist.
func (d *FileDriver) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.blobPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("storage: open blob %s: %w", name, err)
	}
	if !d.compress {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: decompress blob %s: %w", name, err)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

// gzipReadCloser closes both the gzip reader and its underlying file.
type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// Delete removes name's blob and its lock file. Removing a name that
// doesn't exist is not an error.
func (d *FileDriver) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(d.blobPath(name)); err != nil && !os.IsNotExist(err) {
		return d.maybeIgnore(fmt.Errorf("storage: delete blob %s: %w", name, err))
	}
	_ = os.Remove(d.lockPath(name))
	return nil
}

func (d *FileDriver) maybeIgnore(err error) error {
	if err == nil {
		return nil
	}
	if d.ignoreErrors {
		d.logger.Errorf("%v", err)
		return nil
	}
	return err
}
