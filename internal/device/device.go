package device

import (
	"fmt"
	"io"
	"math"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AccessMode is the access mode a file was opened with
type AccessMode int

const (
	ReadOnly AccessMode = iota
	WriteOnly
	ReadWrite
)

// accessModeMask plays the role of O_ACCMODE
const accessModeMask = os.O_RDONLY | os.O_WRONLY | os.O_RDWR

// AccessModeFromFlags extracts the access mode from os.OpenFile style flags.
// Bits other than the access mode (O_CREATE, O_APPEND, ...) are ignored.
func AccessModeFromFlags(flag int) AccessMode {
	switch flag & accessModeMask {
	case os.O_WRONLY:
		return WriteOnly
	case os.O_RDWR:
		return ReadWrite
	default:
		return ReadOnly
	}
}

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// CanRead reports whether a file opened with this mode may be read
func (m AccessMode) CanRead() bool { return m == ReadOnly || m == ReadWrite }

// CanWrite reports whether a file opened with this mode may be written
func (m AccessMode) CanWrite() bool { return m == WriteOnly || m == ReadWrite }

// Options configures a Device. Zero values mean no growth ceiling and no logging.
type Options struct {
	MaxSize int            // Growth ceiling in bytes (0 = unlimited)
	Logger  *logrus.Logger // Optional logger (nil = no-op logger)
}

// noopLogger discards everything; shared by devices created without a logger.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Device is a single in-memory byte store.
//
// contents is only read or mutated while mu is held, so a reader never
// observes a length that does not match the bytes behind it.
type Device struct {
	number  int
	maxSize int
	logger  *logrus.Logger

	mu       sync.Mutex
	contents []byte
	released bool

	sessions atomic.Int32
}

// New creates an empty device with the given ordinal
func New(number int, opts *Options) *Device {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &Device{
		number:  number,
		maxSize: maxSize,
		logger:  logger,
	}
}

// Number returns the device ordinal
func (d *Device) Number() int {
	return d.number
}

// Len returns the current length of the contents
func (d *Device) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contents)
}

// Sessions returns the number of sessions currently open on the device
func (d *Device) Sessions() int {
	return int(d.sessions.Load())
}

// Snapshot returns a copy of the contents
func (d *Device) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.contents))
	copy(out, d.contents)
	return out
}

// Open starts a new session on the device. Opening write-only empties the
// contents first; read-only and read-write opens leave them as they are.
func (d *Device) Open(mode AccessMode) (*Session, error) {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil, newError(Released, "open", d.number, "device has been released")
	}
	if mode == WriteOnly {
		// Capacity is kept; write zero-fills whatever it re-exposes.
		d.contents = d.contents[:0]
	}
	d.sessions.Add(1)
	d.mu.Unlock()

	s := &Session{
		id:   uuid.New(),
		dev:  d,
		mode: mode,
	}
	d.logger.WithFields(logrus.Fields{
		"device":  d.number,
		"session": s.id,
		"mode":    mode,
	}).Debugf("File for device %d was opened", d.number)
	return s, nil
}

// ReadAt copies bytes starting at offset into dst and returns how many were
// copied. Reading at or past the end yields 0 bytes and no error.
func (d *Device) ReadAt(dst []byte, offset uint64) (int, error) {
	return d.read(dst, offset, uuid.Nil)
}

// WriteAt copies src into the contents at offset, growing and zero-filling
// as needed. It either writes all of src or changes nothing.
func (d *Device) WriteAt(src []byte, offset uint64) (int, error) {
	return d.write(src, offset, uuid.Nil)
}

func (d *Device) read(dst []byte, offset uint64, sid uuid.UUID) (int, error) {
	d.logger.WithFields(logrus.Fields{"device": d.number, "session": sid}).
		Debugf("File for device %d was read", d.number)

	if offset > math.MaxInt {
		return 0, newError(OutOfRange, "read", d.number, "offset %d is not addressable", offset)
	}
	off := int(offset)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return 0, newError(Released, "read", d.number, "device has been released")
	}
	if off >= len(d.contents) {
		return 0, nil
	}
	return copy(dst, d.contents[off:]), nil
}

func (d *Device) write(src []byte, offset uint64, sid uuid.UUID) (int, error) {
	d.logger.WithFields(logrus.Fields{"device": d.number, "session": sid}).
		Debugf("File for device %d was written", d.number)

	if offset > math.MaxInt {
		return 0, newError(OutOfRange, "write", d.number, "offset %d is not addressable", offset)
	}
	off := int(offset)
	n := len(src)
	if off > math.MaxInt-n {
		return 0, newError(InvalidArgument, "write", d.number, "offset %d + length %d overflows", offset, n)
	}
	newLen := off + n

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return 0, newError(Released, "write", d.number, "device has been released")
	}
	if newLen > len(d.contents) {
		grown, err := d.grow(newLen)
		if err != nil {
			return 0, err
		}
		d.contents = grown
	}
	copy(d.contents[off:newLen], src)
	return n, nil
}

// grow returns contents extended to newLen with every new byte zeroed.
// d.contents is left untouched; the caller commits the result. mu must be held.
func (d *Device) grow(newLen int) ([]byte, error) {
	if d.maxSize > 0 && newLen > d.maxSize {
		return nil, newError(AllocationFailure, "write", d.number,
			"growing to %d bytes exceeds the %d byte limit", newLen, d.maxSize)
	}

	oldLen := len(d.contents)
	if newLen <= cap(d.contents) {
		buf := d.contents[:newLen]
		clear(buf[oldLen:])
		return buf, nil
	}

	ceiling := memoryCeiling()
	if newLen > ceiling {
		return nil, newError(AllocationFailure, "write", d.number,
			"growing to %d bytes exceeds the %d bytes of memory available", newLen, ceiling)
	}

	newCap := 2 * cap(d.contents)
	if newCap < newLen {
		newCap = newLen
	}
	if d.maxSize > 0 && newCap > d.maxSize {
		newCap = d.maxSize
	}
	newCap = min(newCap, ceiling)
	buf, err := allocate(newLen, newCap)
	if err != nil {
		return nil, newError(AllocationFailure, "write", d.number, "cannot grow to %d bytes: %v", newLen, err)
	}
	copy(buf, d.contents)
	return buf, nil
}

// memoryCeiling bounds a single buffer by the smaller of the Go memory limit
// and the machine's RAM plus swap. The runtime aborts the process instead of
// panicking when it cannot map a large enough region, so requests beyond this
// are refused before make is called.
func memoryCeiling() int {
	ceiling := uint64(debug.SetMemoryLimit(-1))
	if phys := physicalMemory(); phys > 0 && phys < ceiling {
		ceiling = phys
	}
	if ceiling > math.MaxInt {
		return math.MaxInt
	}
	return int(ceiling)
}

// allocate turns the runtime's makeslice panic into an error
func allocate(length, capacity int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%v", r)
		}
	}()
	return make([]byte, length, capacity), nil
}

// Release frees the contents. Every later operation fails with ErrReleased.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.contents = nil
}
