package miscdev

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// DefaultMaxMinors is the size of the dynamic minor pool, as in the Linux misc class
const DefaultMaxMinors = 128

var (
	// ErrRegistration indicates the host could not expose an endpoint
	ErrRegistration = errors.New("registration failed")
	// ErrNoDevice indicates there is no live registration behind a name, minor or open file
	ErrNoDevice = errors.New("no such device")
	// ErrBadFileMode indicates a read on a write-only file or a write on a read-only file
	ErrBadFileMode = errors.New("bad file mode")
	// ErrClosed indicates an operation on a file that was already closed
	ErrClosed = errors.New("file already closed")
	// ErrInvalidSeek indicates a seek to a negative or unsupported position
	ErrInvalidSeek = errors.New("invalid seek")
)

// Handle is the per-open state a driver returns from Opener.Open.
// Offsets are absolute; the host keeps the file position.
type Handle interface {
	ReadAt(dst []byte, offset uint64) (int, error)
	WriteAt(src []byte, offset uint64) (int, error)
	Close() error
}

// Opener is what a driver registers under a name. Open receives the caller's
// os.OpenFile style flags.
type Opener interface {
	Open(flag int) (Handle, error)
}

// HostOptions configures a Host. Zero values use defaults.
type HostOptions struct {
	MaxMinors int            // Dynamic minor pool size (0 = DefaultMaxMinors)
	Logger    *logrus.Logger // Optional logger (nil = no-op logger)
}

// NodeInfo describes one live registration
type NodeInfo struct {
	Name      string `json:"name"`
	Minor     int    `json:"minor"`
	OpenFiles int    `json:"open_files"`
}

// noopLogger is shared by hosts created without a logger
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Host is an in-process misc-device framework: drivers register named
// endpoints, and callers open them by name or minor and get a File.
//
// Lookups are lock-free. Each name maps to an immutable slice of
// registrations that is replaced on every change, and mu serializes changes.
type Host struct {
	logger    *logrus.Logger
	maxMinors int

	mu     sync.Mutex
	nodes  *hashmap.Map[string, []*Registration]
	minors *hashmap.Map[int, *Registration]
}

// NewHost creates an empty host
func NewHost(opts *HostOptions) *Host {
	if opts == nil {
		opts = &HostOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	maxMinors := opts.MaxMinors
	if maxMinors <= 0 {
		maxMinors = DefaultMaxMinors
	}
	return &Host{
		logger:    logger,
		maxMinors: maxMinors,
		nodes:     hashmap.New[string, []*Registration](),
		minors:    hashmap.New[int, *Registration](),
	}
}

// Register exposes ops under name and returns the registration. Several
// registrations may share a name; opening by name reaches the oldest one.
func (h *Host) Register(name string, ops Opener) (*Registration, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrRegistration)
	}
	if ops == nil {
		return nil, fmt.Errorf("%w: %q has no operations", ErrRegistration, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	minor := -1
	for i := 0; i < h.maxMinors; i++ {
		if _, used := h.minors.Get(i); !used {
			minor = i
			break
		}
	}
	if minor < 0 {
		return nil, fmt.Errorf("%w: %q: no free minor (pool of %d exhausted)", ErrRegistration, name, h.maxMinors)
	}

	r := &Registration{
		host:  h,
		name:  name,
		minor: minor,
		ops:   ops,
	}

	existing, _ := h.nodes.Get(name)
	regs := make([]*Registration, 0, len(existing)+1)
	regs = append(regs, existing...)
	regs = append(regs, r)
	h.nodes.Set(name, regs)
	h.minors.Set(minor, r)

	h.logger.WithFields(logrus.Fields{
		"name":   name,
		"minor":  minor,
		"shared": len(regs),
	}).Debug("Misc device registered")
	return r, nil
}

// Open opens the oldest live registration under name. A registration that
// is being unregistered is skipped even while it is still in the table.
func (h *Host) Open(name string, flag int) (*File, error) {
	regs, _ := h.nodes.Get(name)
	for _, r := range regs {
		f, err := r.open(flag)
		if errors.Is(err, errUnregistered) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("open %s: %w", name, ErrNoDevice)
}

// OpenMinor opens the endpoint with the given minor number
func (h *Host) OpenMinor(minor int, flag int) (*File, error) {
	r, ok := h.minors.Get(minor)
	if !ok {
		return nil, fmt.Errorf("open minor %d: %w", minor, ErrNoDevice)
	}
	return r.open(flag)
}

// Nodes lists live registrations ordered by minor
func (h *Host) Nodes() []NodeInfo {
	infos := make([]NodeInfo, 0, h.minors.Len())
	h.minors.Range(func(minor int, r *Registration) bool {
		infos = append(infos, NodeInfo{
			Name:      r.name,
			Minor:     minor,
			OpenFiles: r.OpenFiles(),
		})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Minor < infos[j].Minor })
	return infos
}

// Len returns the number of live registrations
func (h *Host) Len() int {
	return h.minors.Len()
}

func (h *Host) remove(r *Registration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.nodes.Get(r.name); ok {
		regs := make([]*Registration, 0, len(existing))
		for _, other := range existing {
			if other != r {
				regs = append(regs, other)
			}
		}
		if len(regs) == 0 {
			h.nodes.Del(r.name)
		} else {
			h.nodes.Set(r.name, regs)
		}
	}
	h.minors.Del(r.minor)

	h.logger.WithFields(logrus.Fields{
		"name":  r.name,
		"minor": r.minor,
	}).Debug("Misc device unregistered")
}
