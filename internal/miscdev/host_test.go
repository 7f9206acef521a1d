package miscdev_test

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/paleumm/zanim/internal/device"
	"github.com/paleumm/zanim/internal/miscdev"
	"github.com/paleumm/zanim/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// deviceOpener registers a bare device, the way a driver would
type deviceOpener struct {
	dev *device.Device
}

func (o *deviceOpener) Open(flag int) (miscdev.Handle, error) {
	return o.dev.Open(device.AccessModeFromFlags(flag))
}

// blockingHandle parks reads until released, to observe in-flight draining
type blockingHandle struct {
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandle) ReadAt(dst []byte, offset uint64) (int, error) {
	close(h.entered)
	<-h.release
	return 0, nil
}

func (h *blockingHandle) WriteAt(src []byte, offset uint64) (int, error) { return len(src), nil }
func (h *blockingHandle) Close() error                                   { return nil }

type blockingOpener struct{ h *blockingHandle }

func (o *blockingOpener) Open(int) (miscdev.Handle, error) { return o.h, nil }

type HostTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	host   *miscdev.Host
}

func (s *HostTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.host = miscdev.NewHost(&miscdev.HostOptions{Logger: s.helper.Logger, MaxMinors: 4})
}

func (s *HostTestSuite) register(name string, number int) (*miscdev.Registration, *device.Device) {
	dev := device.New(number, &device.Options{Logger: s.helper.Logger})
	reg, err := s.host.Register(name, &deviceOpener{dev: dev})
	s.Require().NoError(err, "registration MUST succeed")
	return reg, dev
}

func (s *HostTestSuite) TestOpenReadWriteSeek() {
	_, dev := s.register("zanim", 0)

	f, err := s.host.Open("zanim", os.O_RDWR)
	s.Require().NoError(err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	s.Require().NoError(err)
	s.Equal(5, n)
	n, err = f.Write([]byte(" world"))
	s.Require().NoError(err)
	s.Equal(6, n)
	s.Equal([]byte("hello world"), dev.Snapshot())

	pos, err := f.Seek(0, io.SeekStart)
	s.Require().NoError(err)
	s.Equal(int64(0), pos)

	data, err := io.ReadAll(f)
	s.Require().NoError(err)
	s.Equal("hello world", string(data))

	n, err = f.Read(make([]byte, 4))
	s.Equal(0, n)
	s.ErrorIs(err, io.EOF)

	pos, err = f.Seek(-5, io.SeekCurrent)
	s.Require().NoError(err)
	s.Equal(int64(6), pos)

	_, err = f.Seek(0, io.SeekEnd)
	s.ErrorIs(err, miscdev.ErrInvalidSeek)
	_, err = f.Seek(-100, io.SeekCurrent)
	s.ErrorIs(err, miscdev.ErrInvalidSeek)
}

func (s *HostTestSuite) TestReadAtWriteAt() {
	s.register("zanim", 0)

	f, err := s.host.Open("zanim", os.O_RDWR)
	s.Require().NoError(err)
	defer f.Close()

	n, err := f.WriteAt([]byte("!!!"), 10)
	s.Require().NoError(err)
	s.Equal(3, n)

	buf := make([]byte, 13)
	n, err = f.ReadAt(buf, 0)
	s.Require().NoError(err, "a full read MUST NOT report EOF")
	s.Equal(13, n)
	s.Equal([]byte("\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00!!!"), buf)

	n, err = f.ReadAt(make([]byte, 8), 11)
	s.Equal(2, n)
	s.ErrorIs(err, io.EOF, "a short read MUST report EOF")

	_, err = f.ReadAt(buf, -1)
	s.ErrorIs(err, miscdev.ErrInvalidSeek)
}

func (s *HostTestSuite) TestAccessModeIsEnforced() {
	_, dev := s.register("zanim", 0)
	_, err := dev.WriteAt([]byte("keep"), 0)
	s.Require().NoError(err)

	ro, err := s.host.Open("zanim", os.O_RDONLY)
	s.Require().NoError(err)
	defer ro.Close()
	_, err = ro.Write([]byte("x"))
	s.ErrorIs(err, miscdev.ErrBadFileMode)

	wo, err := s.host.Open("zanim", os.O_WRONLY)
	s.Require().NoError(err)
	defer wo.Close()
	_, err = wo.Read(make([]byte, 1))
	s.ErrorIs(err, miscdev.ErrBadFileMode)

	s.Equal(0, dev.Len(), "write-only open MUST truncate")
}

func (s *HostTestSuite) TestSharedNameReachesOldestRegistration() {
	first, devA := s.register("zanim", 0)
	second, devB := s.register("zanim", 1)
	s.NotEqual(first.Minor(), second.Minor())

	f, err := s.host.Open("zanim", os.O_WRONLY)
	s.Require().NoError(err)
	_, err = f.Write([]byte("to a"))
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	s.Equal([]byte("to a"), devA.Snapshot())
	s.Equal(0, devB.Len())

	g, err := s.host.OpenMinor(second.Minor(), os.O_WRONLY)
	s.Require().NoError(err)
	_, err = g.Write([]byte("to b"))
	s.Require().NoError(err)
	s.Require().NoError(g.Close())
	s.Equal([]byte("to b"), devB.Snapshot())

	first.Unregister()
	h, err := s.host.Open("zanim", os.O_RDONLY)
	s.Require().NoError(err)
	defer h.Close()
	s.Equal(second.Minor(), h.Minor(), "name MUST fall through to the next registration")
}

func (s *HostTestSuite) TestSharedNameSkipsRegistrationBeingUnregistered() {
	h := &blockingHandle{entered: make(chan struct{}), release: make(chan struct{})}
	first, err := s.host.Register("shared", &blockingOpener{h: h})
	s.Require().NoError(err)
	second, devB := s.register("shared", 1)

	f, err := s.host.Open("shared", os.O_RDONLY)
	s.Require().NoError(err)
	defer f.Close()
	s.Equal(first.Minor(), f.Minor())
	go func() { _, _ = f.Read(make([]byte, 1)) }()
	<-h.entered

	// first stays in the table until its in-flight read drains
	go first.Unregister()
	time.Sleep(20 * time.Millisecond)

	type opened struct {
		f   *miscdev.File
		err error
	}
	done := make(chan opened, 1)
	go func() {
		g, err := s.host.Open("shared", os.O_WRONLY)
		done <- opened{f: g, err: err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(h.release)

	select {
	case res := <-done:
		s.Require().NoError(res.err, "name MUST resolve to the live registration")
		defer res.f.Close()
		s.Equal(second.Minor(), res.f.Minor())
		_, err = res.f.Write([]byte("to b"))
		s.Require().NoError(err)
		s.Equal([]byte("to b"), devB.Snapshot())
	case <-time.After(time.Second):
		s.Fail("Open did not return")
	}
}

func (s *HostTestSuite) TestRegistrationFailures() {
	_, err := s.host.Register("", &deviceOpener{dev: device.New(0, nil)})
	s.ErrorIs(err, miscdev.ErrRegistration)

	_, err = s.host.Register("zanim", nil)
	s.ErrorIs(err, miscdev.ErrRegistration)

	regs := make([]*miscdev.Registration, 0, 4)
	for i := 0; i < 4; i++ {
		reg, _ := s.register("zanim", i)
		regs = append(regs, reg)
	}
	_, err = s.host.Register("zanim", &deviceOpener{dev: device.New(4, nil)})
	s.ErrorIs(err, miscdev.ErrRegistration, "exhausted minor pool MUST fail")

	regs[1].Unregister()
	reg, _ := s.register("zanim", 5)
	s.Equal(1, reg.Minor(), "freed minor MUST be reused")
}

func (s *HostTestSuite) TestUnregister() {
	reg, dev := s.register("zanim", 0)

	f, err := s.host.Open("zanim", os.O_RDWR)
	s.Require().NoError(err)
	s.Equal(1, reg.OpenFiles())
	s.Equal(1, dev.Sessions())

	reg.Unregister()
	reg.Unregister()
	s.Equal(0, s.host.Len())

	_, err = f.Write([]byte("late"))
	s.ErrorIs(err, miscdev.ErrNoDevice)
	_, err = f.Read(make([]byte, 1))
	s.ErrorIs(err, miscdev.ErrNoDevice)

	_, err = s.host.Open("zanim", os.O_RDONLY)
	s.ErrorIs(err, miscdev.ErrNoDevice)
	_, err = s.host.OpenMinor(reg.Minor(), os.O_RDONLY)
	s.ErrorIs(err, miscdev.ErrNoDevice)

	s.Require().NoError(f.Close())
	s.Equal(0, dev.Sessions(), "close after unregister MUST still release the session")
	s.ErrorIs(f.Close(), miscdev.ErrClosed)
	_, err = f.Seek(0, io.SeekStart)
	s.ErrorIs(err, miscdev.ErrClosed)
}

func (s *HostTestSuite) TestUnregisterWaitsForInFlightCalls() {
	h := &blockingHandle{entered: make(chan struct{}), release: make(chan struct{})}
	reg, err := s.host.Register("slow", &blockingOpener{h: h})
	s.Require().NoError(err)

	f, err := s.host.Open("slow", os.O_RDONLY)
	s.Require().NoError(err)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = f.Read(make([]byte, 1))
	}()
	<-h.entered

	unregistered := make(chan struct{})
	go func() {
		defer close(unregistered)
		reg.Unregister()
	}()

	select {
	case <-unregistered:
		s.Fail("Unregister MUST wait for the in-flight read")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	s.Eventually(func() bool {
		select {
		case <-unregistered:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	<-readDone
}

func (s *HostTestSuite) TestNodes() {
	s.register("zanim", 0)
	s.register("zanim", 1)
	s.register("other", 2)

	f, err := s.host.Open("other", os.O_RDONLY)
	s.Require().NoError(err)
	defer f.Close()

	s.Equal([]miscdev.NodeInfo{
		{Name: "zanim", Minor: 0, OpenFiles: 0},
		{Name: "zanim", Minor: 1, OpenFiles: 0},
		{Name: "other", Minor: 2, OpenFiles: 1},
	}, s.host.Nodes())
}

func TestHostTestSuite(t *testing.T) {
	suite.Run(t, new(HostTestSuite))
}
