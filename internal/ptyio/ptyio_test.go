package ptyio_test

import (
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paleumm/zanim/internal/device"
	"github.com/paleumm/zanim/internal/miscdev"
	"github.com/paleumm/zanim/internal/ptyio"
	"github.com/paleumm/zanim/internal/testutils"
)

type deviceOpener struct{ dev *device.Device }

func (o *deviceOpener) Open(flag int) (miscdev.Handle, error) {
	return o.dev.Open(device.AccessModeFromFlags(flag))
}

type exported struct {
	node  *ptyio.Node
	dev   *device.Device
	reg   *miscdev.Registration
	slave *os.File
}

func export(t *testing.T, helper *testutils.TestHelper, flag int) *exported {
	t.Helper()

	host := miscdev.NewHost(&miscdev.HostOptions{Logger: helper.Logger})
	dev := device.New(0, &device.Options{Logger: helper.Logger})
	reg, err := host.Register("zanim", &deviceOpener{dev: dev})
	require.NoError(t, err)

	f, err := host.Open("zanim", flag)
	require.NoError(t, err)

	node, err := ptyio.Export(f, &ptyio.Options{Logger: helper.Logger, PollTimeoutMs: 10})
	if err != nil {
		_ = f.Close()
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })

	slave, err := os.OpenFile(node.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slave.Close() })

	return &exported{node: node, dev: dev, reg: reg, slave: slave}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(r, buf)
		ch <- result{data: buf, err: err}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out reading %d bytes from the slave", n)
		return nil
	}
}

func TestExport_SlaveWritesReachTheDevice(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	e := export(t, helper, os.O_RDWR)

	assert.NotEmpty(t, e.node.TTYName())
	assert.Equal(t, "zanim", e.node.File().Name())

	_, err := e.slave.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = e.slave.Write([]byte(" world"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return string(e.dev.Snapshot()) == "hello world"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(11), e.node.Stats().IngestedBytes)
}

func TestExport_Replay(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	e := export(t, helper, os.O_RDWR)

	payload := make([]byte, 10_000)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	_, err := e.dev.WriteAt(payload, 0)
	require.NoError(t, err)

	// the payload fits the queue, so Replay returns before the slave reads
	n, err := e.node.Replay()
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got := readN(t, e.slave, len(payload))
	testutils.NewTextAsserter(t).AssertBytes(got, payload)

	stats := e.node.Stats()
	assert.Equal(t, uint64(len(payload)), stats.ReplayedBytes)
	assert.Equal(t, int32(ptyio.DefaultQueueCap), stats.QueueCap)
}

func TestExport_ReplayOfWriteOnlyFile(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	e := export(t, helper, os.O_WRONLY)

	_, err := e.node.Replay()
	assert.ErrorIs(t, err, miscdev.ErrBadFileMode)
}

func TestExport_StopsWhenEndpointIsGone(t *testing.T) {
	helper := testutils.NewTestHelper(t)

	failed := make(chan error, 1)
	host := miscdev.NewHost(&miscdev.HostOptions{Logger: helper.Logger})
	dev := device.New(0, &device.Options{Logger: helper.Logger})
	reg, err := host.Register("zanim", &deviceOpener{dev: dev})
	require.NoError(t, err)
	f, err := host.Open("zanim", os.O_WRONLY)
	require.NoError(t, err)

	node, err := ptyio.Export(f, &ptyio.Options{
		Logger:        helper.Logger,
		PollTimeoutMs: 10,
		OnError:       func(err error) { failed <- err },
	})
	if err != nil {
		_ = f.Close()
		t.Skipf("PTY not available: %v", err)
	}
	defer node.Close()

	slave, err := os.OpenFile(node.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	defer slave.Close()

	reg.Unregister()
	_, err = slave.Write([]byte("late"))
	require.NoError(t, err)

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, miscdev.ErrNoDevice)
	case <-time.After(5 * time.Second):
		t.Fatal("ingest loop did not report the missing endpoint")
	}
	assert.NotZero(t, node.Stats().RejectedBytes)
	assert.Equal(t, 0, dev.Len())
}

func TestNode_Close(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	e := export(t, helper, os.O_RDWR)

	require.NoError(t, e.node.Close())
	assert.NoError(t, e.node.Close(), "second close is a no-op")
	assert.Equal(t, 0, e.reg.OpenFiles(), "closing the node closes the file")
	assert.Equal(t, 0, e.dev.Sessions())

	_, err := e.node.Replay()
	assert.ErrorIs(t, err, os.ErrClosed)
}
