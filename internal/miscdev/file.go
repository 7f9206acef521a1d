package miscdev

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

const accessModeMask = os.O_RDONLY | os.O_WRONLY | os.O_RDWR

func accessFromFlags(flag int) (readable, writable bool) {
	switch flag & accessModeMask {
	case os.O_WRONLY:
		return false, true
	case os.O_RDWR:
		return true, true
	default:
		return true, false
	}
}

// File is an open endpoint. It keeps a position for Read, Write and Seek,
// and also offers positionless ReadAt and WriteAt.
type File struct {
	reg      *Registration
	handle   Handle
	flag     int
	readable bool
	writable bool

	mu  sync.Mutex // guards pos; held across a positioned Read or Write
	pos int64

	closed atomic.Bool
}

var (
	_ io.ReadWriteCloser = (*File)(nil)
	_ io.ReaderAt        = (*File)(nil)
	_ io.WriterAt        = (*File)(nil)
	_ io.Seeker          = (*File)(nil)
)

// Name returns the endpoint name the file was opened on
func (f *File) Name() string { return f.reg.name }

// Minor returns the minor number of the endpoint
func (f *File) Minor() int { return f.reg.minor }

// Flag returns the flags the file was opened with
func (f *File) Flag() int { return f.flag }

// Read reads from the current position and advances it.
// It returns io.EOF once the position is at or past the end of the data.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.readAt(p, f.pos)
	f.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadAt reads at an absolute offset without touching the position.
// As io.ReaderAt requires, a short read reports io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.readAt(p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write writes at the current position and advances it
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.writeAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// WriteAt writes at an absolute offset without touching the position
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.writeAt(p, off)
}

// Seek sets the position. io.SeekEnd is not supported: a character device
// has no size the host could know.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.pos + offset
	default:
		return f.pos, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}
	if next < 0 {
		return f.pos, fmt.Errorf("%w: negative position %d", ErrInvalidSeek, next)
	}
	f.pos = next
	return next, nil
}

// Close releases the driver handle. The release is delivered even when the
// endpoint is already unregistered so the driver's session count stays
// balanced. Closing twice returns ErrClosed.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	f.reg.openFiles.Add(-1)
	return f.handle.Close()
}

func (f *File) readAt(p []byte, off int64) (int, error) {
	if err := f.check(off, f.readable, "read"); err != nil {
		return 0, err
	}
	if err := f.reg.enter(); err != nil {
		return 0, fmt.Errorf("read %s: %w", f.reg.name, err)
	}
	defer f.reg.leave()
	return f.handle.ReadAt(p, uint64(off))
}

func (f *File) writeAt(p []byte, off int64) (int, error) {
	if err := f.check(off, f.writable, "write"); err != nil {
		return 0, err
	}
	if err := f.reg.enter(); err != nil {
		return 0, fmt.Errorf("write %s: %w", f.reg.name, err)
	}
	defer f.reg.leave()
	return f.handle.WriteAt(p, uint64(off))
}

func (f *File) check(off int64, allowed bool, op string) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if !allowed {
		return fmt.Errorf("%s %s: %w", op, f.reg.name, ErrBadFileMode)
	}
	if off < 0 {
		return fmt.Errorf("%s %s: %w: negative offset %d", op, f.reg.name, ErrInvalidSeek, off)
	}
	return nil
}
