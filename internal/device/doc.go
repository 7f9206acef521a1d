// Package device implements the in-memory byte store behind each virtual
// character device.
//
// A Device holds:
//   - a stable ordinal used in diagnostics
//   - a growable byte buffer, initially empty, guarded by its own mutex
//   - a count of open sessions
//
// Reads and writes take absolute offsets. Writes past the end grow the buffer
// and zero-fill any gap, so a read never sees bytes that were not written or
// zeroed. Opening a device write-only truncates it.
package device
