// Package ptyio exports a device file through a pseudo-terminal, so
// external processes can reach it by path.
//
// Bytes an external process writes to the slave side are written into the
// file in order, the way `cat > /dev/zanim` would. Replay streams the file
// contents back to the slave, the way `cat /dev/zanim` would.
//
// # Basic Usage
//
//	f, err := host.Open("zanim", os.O_RDWR)
//	if err != nil {
//	    return err
//	}
//	node, err := ptyio.Export(f, &ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer node.Close() // also closes f
//	fmt.Println(node.TTYName()) // "/dev/pts/X"
//
// # Poll Timeout
//
// The poll timeout bounds how long the loops wait for I/O readiness before
// checking for shutdown. It is the shutdown latency of Close when the loops are idle.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/paleumm/zanim/internal/groutine"
	"github.com/paleumm/zanim/internal/miscdev"
)

const (
	// DefaultPollTimeoutMs is the poll timeout used when Options leaves it zero
	DefaultPollTimeoutMs = 50
	// DefaultQueueCap is the replay queue capacity used when Options leaves it zero
	DefaultQueueCap = 64 * 1024

	chunkSize = 4096
)

// ErrorCallback is invoked from a background loop that stopped on a
// critical error. It must be safe for concurrent use.
type ErrorCallback func(err error)

// Options configures Export. Zero values use defaults.
type Options struct {
	QueueCap      int            // Replay queue capacity in bytes (0 = DefaultQueueCap)
	Logger        *logrus.Logger // Optional logger (nil = no-op logger)
	OnError       ErrorCallback  // Optional callback for loop failures
	PollTimeoutMs int            // Poll timeout in milliseconds (0 = DefaultPollTimeoutMs)
}

// Stats provides runtime counters
type Stats struct {
	QueueLen int32
	QueueCap int32

	IngestedBytes uint64 // bytes from the slave stored in the file
	ReplayedBytes uint64 // bytes sent to the slave
	RejectedBytes uint64 // bytes from the slave the file refused
}

// noopLogger is shared by nodes created without a logger
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Node is one exported file
type Node struct {
	logger        *logrus.Logger
	file          *miscdev.File
	master        *os.File
	masterFd      int
	slave         *os.File
	ttyName       string
	onError       ErrorCallback
	pollTimeoutMs int

	queue  *ringbuffer.RingBuffer // replay bytes waiting for the master
	queued chan struct{}

	// replayMu serializes Replay calls so streams do not interleave
	replayMu sync.Mutex

	cancel context.CancelFunc
	loops  groutine.Group

	errorOnce sync.Once
	closed    atomic.Bool

	ingested atomic.Uint64
	replayed atomic.Uint64
	rejected atomic.Uint64
}

// Export opens a PTY pair and starts moving bytes between it and file.
// The node owns file from now on: Close closes it.
func Export(file *miscdev.File, opts *Options) (*Node, error) {
	if file == nil {
		return nil, fmt.Errorf("file cannot be nil")
	}
	if opts == nil {
		opts = &Options{}
	}

	master, masterFd, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeoutMs
	}
	queueCap := opts.QueueCap
	if queueCap == 0 {
		queueCap = DefaultQueueCap
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		logger:        logger,
		file:          file,
		master:        master,
		masterFd:      masterFd,
		slave:         slave,
		ttyName:       slave.Name(),
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
		queue:         ringbuffer.New(queueCap).SetBlocking(true).WithCancel(ctx),
		queued:        make(chan struct{}, 1),
		cancel:        cancel,
	}

	n.loops.Go(ctx, "pty-ingest-loop", n.ingestLoop)
	n.loops.Go(ctx, "pty-replay-loop", n.replayLoop)

	logger.WithFields(logrus.Fields{
		"endpoint": file.Name(),
		"minor":    file.Minor(),
		"tty":      n.ttyName,
	}).Info("Endpoint exported")
	return n, nil
}

// TTYName returns the slave path, e.g. "/dev/pts/5"
func (n *Node) TTYName() string {
	return n.ttyName
}

// File returns the exported file
func (n *Node) File() *miscdev.File {
	return n.file
}

// Stats returns instantaneous counters
func (n *Node) Stats() Stats {
	return Stats{
		QueueLen:      int32(n.queue.Length()),
		QueueCap:      int32(n.queue.Capacity()),
		IngestedBytes: n.ingested.Load(),
		ReplayedBytes: n.replayed.Load(),
		RejectedBytes: n.rejected.Load(),
	}
}

// Replay queues the whole file, from offset 0 to the end, for the slave.
// It blocks while the queue is full and returns the number of bytes queued.
func (n *Node) Replay() (int64, error) {
	if n.closed.Load() {
		return 0, os.ErrClosed
	}

	n.replayMu.Lock()
	defer n.replayMu.Unlock()

	buf := make([]byte, chunkSize)
	var total int64
	for {
		read, err := n.file.ReadAt(buf, total)
		if read > 0 {
			written, werr := n.queue.Write(buf[:read])
			total += int64(written)
			n.notify()
			if werr != nil {
				return total, fmt.Errorf("replay %s: %w", n.ttyName, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("replay %s: %w", n.ttyName, err)
		}
	}
}

func (n *Node) notify() {
	select {
	case n.queued <- struct{}{}:
	default:
		// already pending
	}
}

func (n *Node) fail(loop string, err error) {
	n.logger.WithError(err).Warnf("%s exiting on error", loop)
	if n.onError != nil {
		n.errorOnce.Do(func() {
			n.onError(fmt.Errorf("%s critical error: %w", loop, err))
		})
	}
}

// ingestLoop moves bytes from the master into the file
func (n *Node) ingestLoop(ctx context.Context) {
	name := groutine.GetName(ctx)
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("%s panicked (recovered): %v", name, r)
		}
	}()

	pollFd := []unix.PollFd{{Fd: int32(n.masterFd), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready, err := unix.Poll(pollFd, n.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			n.logger.Warnf("%s poll error: %v", name, err)
			continue
		}
		if ready == 0 {
			continue
		}

		read, err := n.master.Read(buf)
		if read > 0 {
			written, werr := n.file.Write(buf[:read])
			n.ingested.Add(uint64(written))
			if werr != nil {
				n.rejected.Add(uint64(read - written))
				n.fail(name, werr)
				return
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EIO):
				// every slave descriptor is closed for the moment
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
				n.logger.Debugf("%s exiting: %v", name, err)
				return
			default:
				n.fail(name, err)
				return
			}
		}
	}
}

// replayLoop moves queued bytes to the master
func (n *Node) replayLoop(ctx context.Context) {
	name := groutine.GetName(ctx)
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorf("%s panicked (recovered): %v", name, r)
		}
	}()

	pollFd := []unix.PollFd{{Fd: int32(n.masterFd), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)
	timeout := time.Duration(n.pollTimeoutMs) * time.Millisecond

	for {
		if n.queue.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-n.queued:
			case <-time.After(timeout):
				continue
			}
		}

		read, err := n.queue.TryRead(buf)
		if read == 0 {
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) && ctx.Err() != nil {
				return
			}
			continue
		}

		offset := 0
		for offset < read {
			written, err := n.master.Write(buf[offset:read])
			if written > 0 {
				offset += written
				n.replayed.Add(uint64(written))
			}
			if err == nil {
				continue
			}

			switch {
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EAGAIN):
				if ctx.Err() != nil {
					return
				}
				if _, perr := unix.Poll(pollFd, n.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
					n.logger.Warnf("%s poll error: %v", name, perr)
				}
				continue
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				n.logger.Debugf("%s exiting: master closed", name)
				return
			default:
				n.fail(name, err)
				return
			}
		}
	}
}

// Close stops the loops, closes the PTY pair and then the file.
// Calling it again is a no-op.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	n.cancel()

	if err := n.master.Close(); err != nil {
		n.logger.Warnf("failed to close PTY(ptmx): %v", err)
	}
	if err := n.slave.Close(); err != nil {
		n.logger.Warnf("failed to close PTY(tty): %v", err)
	}

	timeout := time.Duration(n.pollTimeoutMs)*time.Millisecond*2 + time.Second
	if !n.loops.WaitTimeout(timeout) {
		n.logger.Errorf("Close() timed out after %v waiting for the loops of %s to exit", timeout, n.ttyName)
	}

	n.logger.WithField("tty", n.ttyName).Debug("Export closed")
	return n.file.Close()
}

// createPTY creates a pseudo-terminal with a raw slave and a non-blocking
// master. The master descriptor is returned separately: calling Fd again
// would put it back into blocking mode.
func createPTY() (master *os.File, masterFd int, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(format string, cause error) error {
		ptyPath := slave.Name()
		var cleanupErrs []error
		if closeErr := master.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(ptmx): %w", closeErr))
		}
		if closeErr := slave.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("close PTY(tty): %w", closeErr))
		}
		if len(cleanupErrs) > 0 {
			return fmt.Errorf(format+": %w (cleanup errors: %v)", ptyPath, cause, cleanupErrs)
		}
		return fmt.Errorf(format+": %w", ptyPath, cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, 0, nil, cleanup("failed to set PTY(tty) %s to raw mode", err)
	}
	masterFd = int(master.Fd())
	if err := syscall.SetNonblock(masterFd, true); err != nil {
		return nil, 0, nil, cleanup("failed to set PTY(ptmx) %s to nonblocking mode", err)
	}

	return master, masterFd, slave, nil
}
