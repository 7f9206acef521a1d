package registry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/paleumm/zanim/internal/device"
	"github.com/paleumm/zanim/internal/metrics"
	"github.com/paleumm/zanim/internal/miscdev"
)

// DefaultName is the endpoint name shared by every device
const DefaultName = "zanim"

const banner = "-----------------------------"

var (
	// ErrConfig indicates the device count could not be converted
	ErrConfig = errors.New("invalid device count")
	// ErrRegistration indicates an endpoint could not be exposed; nothing stays registered
	ErrRegistration = errors.New("endpoint registration failed")
	// ErrTornDown indicates the registry was already torn down
	ErrTornDown = errors.New("registry already torn down")
	// ErrNoSuchDevice indicates an ordinal outside the registry
	ErrNoSuchDevice = errors.New("no such device")
)

// Host is the part of the host framework the registry needs
type Host interface {
	Register(name string, ops miscdev.Opener) (*miscdev.Registration, error)
}

// Options configures Initialize. Zero values use defaults.
type Options struct {
	Devices       uint32           // Number of devices to create
	Name          string           // Endpoint name ("" = DefaultName)
	IndexedNames  bool             // Suffix each endpoint name with the ordinal
	MaxDeviceSize int              // Per-device growth ceiling in bytes (0 = unlimited)
	Logger        *logrus.Logger   // Optional logger (nil = no-op logger)
	Metrics       *metrics.Metrics // Optional collectors (nil = not instrumented)
}

// DeviceStats is a point-in-time view of one device
type DeviceStats struct {
	Number   int    `json:"number"`
	Endpoint string `json:"endpoint"`
	Minor    int    `json:"minor"`
	Size     int    `json:"size"`
	Sessions int    `json:"sessions"`
}

// noopLogger is shared by registries created without a logger
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type entry struct {
	dev *device.Device
	reg *miscdev.Registration
}

// Registry owns a fixed set of devices and the endpoints they are exposed through
type Registry struct {
	logger  *logrus.Logger
	name    string
	entries []entry

	mu   sync.Mutex
	torn bool
}

// Initialize creates opts.Devices devices and registers one endpoint for
// each. It is all-or-nothing: if any registration fails, the endpoints
// already registered are unregistered before the error is returned.
func Initialize(host Host, opts *Options) (*Registry, error) {
	if host == nil {
		return nil, fmt.Errorf("%w: host is required", ErrRegistration)
	}
	if opts == nil {
		opts = &Options{Devices: 1}
	}

	count, err := deviceCount(opts.Devices)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	name := opts.Name
	if name == "" {
		name = DefaultName
	}

	logger.Info(banner)
	logger.WithFields(logrus.Fields{
		"devices": count,
		"name":    name,
		"indexed": opts.IndexedNames,
	}).Info("Initializing zanim")
	logger.Info(banner)

	r := &Registry{
		logger: logger,
		name:   name,
		// grows with append; the host's minor pool bounds it in practice
		entries: make([]entry, 0, min(count, 64)),
	}

	for i := 0; i < count; i++ {
		dev := device.New(i, &device.Options{
			MaxSize: opts.MaxDeviceSize,
			Logger:  logger,
		})

		endpointName := name
		if opts.IndexedNames {
			endpointName = fmt.Sprintf("%s%d", name, i)
		}

		reg, err := host.Register(endpointName, newEndpoint(dev, opts.Metrics))
		if err != nil {
			dev.Release()
			r.rollback()
			logger.WithError(err).WithField("device", i).Error("Endpoint registration failed, rolled back")
			return nil, fmt.Errorf("%w: device %d: %w", ErrRegistration, i, err)
		}
		r.entries = append(r.entries, entry{dev: dev, reg: reg})
	}

	logger.WithField("devices", count).Info("zanim initialized")
	return r, nil
}

func deviceCount(raw uint32) (int, error) {
	if uint64(raw) > uint64(math.MaxInt) {
		return 0, fmt.Errorf("%w: %d does not fit the native int", ErrConfig, raw)
	}
	return int(raw), nil
}

// rollback unregisters and releases everything registered so far
func (r *Registry) rollback() {
	for _, e := range r.entries {
		e.reg.Unregister()
		e.dev.Release()
	}
	r.entries = nil
}

// Teardown unregisters every endpoint, waiting for in-flight calls, and
// then releases every device. A second call returns ErrTornDown.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return ErrTornDown
	}
	r.torn = true
	entries := r.entries
	r.mu.Unlock()

	for _, e := range entries {
		e.reg.Unregister()
	}
	for _, e := range entries {
		e.dev.Release()
	}

	r.logger.WithField("devices", len(entries)).Info("zanim torn down")
	return nil
}

// Len returns the number of devices
func (r *Registry) Len() int {
	return len(r.entries)
}

// Name returns the base endpoint name
func (r *Registry) Name() string {
	return r.name
}

// Device returns the device with ordinal i
func (r *Registry) Device(i int) (*device.Device, error) {
	r.mu.Lock()
	torn := r.torn
	r.mu.Unlock()
	if torn {
		return nil, ErrTornDown
	}
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("%w: %d (registry has %d)", ErrNoSuchDevice, i, len(r.entries))
	}
	return r.entries[i].dev, nil
}

// Endpoints returns the endpoint name of every device, in ordinal order
func (r *Registry) Endpoints() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.reg.Name()
	}
	return names
}

// Minors returns the minor number of every device, in ordinal order
func (r *Registry) Minors() []int {
	minors := make([]int, len(r.entries))
	for i, e := range r.entries {
		minors[i] = e.reg.Minor()
	}
	return minors
}

// Stats returns a snapshot keyed "device<N>" in ordinal order
func (r *Registry) Stats() *orderedmap.OrderedMap[string, DeviceStats] {
	stats := orderedmap.New[string, DeviceStats]()
	for _, e := range r.entries {
		stats.Set(fmt.Sprintf("device%d", e.dev.Number()), DeviceStats{
			Number:   e.dev.Number(),
			Endpoint: e.reg.Name(),
			Minor:    e.reg.Minor(),
			Size:     e.dev.Len(),
			Sessions: e.dev.Sessions(),
		})
	}
	return stats
}
