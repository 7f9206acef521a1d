package registry

import (
	"sync"

	"github.com/paleumm/zanim/internal/device"
	"github.com/paleumm/zanim/internal/metrics"
	"github.com/paleumm/zanim/internal/miscdev"
)

// endpoint adapts a device to the host's file operations
type endpoint struct {
	dev     *device.Device
	metrics *metrics.Metrics
	label   string
}

func newEndpoint(dev *device.Device, m *metrics.Metrics) *endpoint {
	return &endpoint{
		dev:     dev,
		metrics: m,
		label:   metrics.Label(dev.Number()),
	}
}

// Open implements miscdev.Opener
func (e *endpoint) Open(flag int) (miscdev.Handle, error) {
	mode := device.AccessModeFromFlags(flag)

	s, err := e.dev.Open(mode)
	if err != nil {
		e.failed("open")
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.Opens.WithLabelValues(e.label, mode.String()).Inc()
		if mode == device.WriteOnly {
			e.metrics.Truncations.WithLabelValues(e.label).Inc()
		}
		e.metrics.OpenSessions.WithLabelValues(e.label).Inc()
	}
	return &handle{Session: s, ep: e}, nil
}

func (e *endpoint) failed(op string) {
	if e.metrics != nil {
		e.metrics.Errors.WithLabelValues(e.label, op).Inc()
	}
}

// handle counts the traffic of one session
type handle struct {
	*device.Session
	ep   *endpoint
	once sync.Once
}

func (h *handle) ReadAt(dst []byte, offset uint64) (int, error) {
	n, err := h.Session.ReadAt(dst, offset)
	if err != nil {
		h.ep.failed("read")
		return n, err
	}
	if h.ep.metrics != nil && n > 0 {
		h.ep.metrics.BytesRead.WithLabelValues(h.ep.label).Add(float64(n))
	}
	return n, nil
}

func (h *handle) WriteAt(src []byte, offset uint64) (int, error) {
	n, err := h.Session.WriteAt(src, offset)
	if err != nil {
		h.ep.failed("write")
		return n, err
	}
	if h.ep.metrics != nil && n > 0 {
		h.ep.metrics.BytesWritten.WithLabelValues(h.ep.label).Add(float64(n))
	}
	return n, nil
}

func (h *handle) Close() error {
	err := h.Session.Close()
	h.once.Do(func() {
		if h.ep.metrics != nil {
			h.ep.metrics.OpenSessions.WithLabelValues(h.ep.label).Dec()
		}
	})
	return err
}
