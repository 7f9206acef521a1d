package device

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionClosed marks an operation on a session that was already closed
const SessionClosed Kind = "session_closed"

// ErrSessionClosed is returned by Session operations after Close
var ErrSessionClosed = &Error{Kind: SessionClosed}

// Session is the handle returned by Device.Open. It shares the device with
// every other open session and with the owner of the device; closing it only
// drops the session count.
type Session struct {
	id     uuid.UUID
	dev    *Device
	mode   AccessMode
	closed atomic.Bool
}

// ID returns the session identifier used in diagnostics
func (s *Session) ID() uuid.UUID { return s.id }

// Device returns the device this session is bound to
func (s *Session) Device() *Device { return s.dev }

// Mode returns the access mode the session was opened with
func (s *Session) Mode() AccessMode { return s.mode }

// ReadAt reads from the device at an absolute offset
func (s *Session) ReadAt(dst []byte, offset uint64) (int, error) {
	if s.closed.Load() {
		return 0, newError(SessionClosed, "read", s.dev.number, "session %s is closed", s.id)
	}
	return s.dev.read(dst, offset, s.id)
}

// WriteAt writes to the device at an absolute offset
func (s *Session) WriteAt(src []byte, offset uint64) (int, error) {
	if s.closed.Load() {
		return 0, newError(SessionClosed, "write", s.dev.number, "session %s is closed", s.id)
	}
	return s.dev.write(src, offset, s.id)
}

// Close ends the session. Calling it more than once is harmless.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dev.sessions.Add(-1)
	}
	return nil
}
