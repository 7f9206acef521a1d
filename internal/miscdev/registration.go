package miscdev

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// errUnregistered wraps ErrNoDevice for calls that reached a registration
// after Unregister marked it gone
var errUnregistered = fmt.Errorf("unregistered: %w", ErrNoDevice)

// Registration is one endpoint exposed by a Host
type Registration struct {
	host  *Host
	name  string
	minor int
	ops   Opener

	// gate is read-held for the duration of every dispatched call and
	// write-held by Unregister, so unregistering waits out in-flight calls.
	gate sync.RWMutex
	gone bool

	openFiles atomic.Int32
	once      sync.Once
}

// Name returns the endpoint name
func (r *Registration) Name() string { return r.name }

// Minor returns the minor number allocated to the endpoint
func (r *Registration) Minor() int { return r.minor }

// OpenFiles returns how many files are currently open on the endpoint
func (r *Registration) OpenFiles() int { return int(r.openFiles.Load()) }

// Unregister removes the endpoint. It blocks until calls already dispatched
// into the driver return; afterwards nothing more is dispatched and files
// still open on the endpoint fail with ErrNoDevice. Calling it again is a no-op.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		r.gate.Lock()
		r.gone = true
		r.gate.Unlock()
		r.host.remove(r)
	})
}

func (r *Registration) enter() error {
	r.gate.RLock()
	if r.gone {
		r.gate.RUnlock()
		return errUnregistered
	}
	return nil
}

func (r *Registration) leave() {
	r.gate.RUnlock()
}

func (r *Registration) open(flag int) (*File, error) {
	if err := r.enter(); err != nil {
		return nil, fmt.Errorf("open %s: %w", r.name, err)
	}
	defer r.leave()

	h, err := r.ops.Open(flag)
	if err != nil {
		return nil, err
	}
	r.openFiles.Add(1)

	readable, writable := accessFromFlags(flag)
	return &File{
		reg:      r,
		handle:   h,
		flag:     flag,
		readable: readable,
		writable: writable,
	}, nil
}
