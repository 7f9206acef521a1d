package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger

	mu  sync.Mutex
	out bytes.Buffer
}

// NewTestHelper creates a test helper whose debug-level logger writes into an
// in-memory buffer. The buffer is dumped through t.Log when the test fails.
func NewTestHelper(t *testing.T) *TestHelper {
	h := &TestHelper{T: t}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(lockedWriter{h})
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	h.Logger = logger

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured log output:\n%s", h.Logs())
		}
	})
	return h
}

// Logs returns everything logged so far
func (h *TestHelper) Logs() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.out.String()
}

type lockedWriter struct{ h *TestHelper }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.h.mu.Lock()
	defer w.h.mu.Unlock()
	return w.h.out.Write(p)
}
