// Package ptyio mirrors the wire stream onto a pseudo-terminal so serial
// tools (screen, minicom, a logger reading /dev/pts/N) see exactly the
// payloads BLE subscribers receive.
//
// Writes never block the sampling path: payloads are queued in a ring
// buffer and flushed by a background goroutine that polls the master for
// writability. A payload that does not fit is dropped whole, so readers
// never see a torn line.
//
//	m, err := ptyio.Open(ptyio.Options{BufferSize: 4096, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	fmt.Println("mirror at", m.TTYName())
//	m.Write([]byte("1.0,0.5,-0.2\n"))
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
	"github.com/srg/gyrolink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	// DefaultBufferSize is the queue capacity in bytes
	DefaultBufferSize = 4096

	// DefaultPollTimeoutMs bounds how long the flush loop waits before
	// re-checking for shutdown.
	DefaultPollTimeoutMs = 50
)

// Options configures a Mirror. Zero values use the defaults above.
type Options struct {
	BufferSize    int
	PollTimeoutMs int
	Logger        *logrus.Logger
}

// Stats are runtime counters of a Mirror
type Stats struct {
	QueueLen int
	QueueCap int

	Written uint64 // bytes handed to the pseudo-terminal
	Dropped uint64 // payloads rejected because the queue was full
}

// Mirror is a write-only, non-blocking pseudo-terminal master.
type Mirror struct {
	logger      *logrus.Logger
	master      *os.File
	masterFd    int
	slave       *os.File
	ttyName     string
	pollTimeout int

	queue  *ringbuffer.RingBuffer
	wake   chan struct{}
	closed atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64

	cancel   context.CancelFunc
	routines groutine.Group
	mu       sync.Mutex // serializes Write
}

// Open creates a pseudo-terminal pair in raw mode and starts the flush loop.
// The slave stays open for the mirror's lifetime so its path remains valid
// while no reader is attached.
func Open(opts Options) (*Mirror, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollTimeoutMs <= 0 {
		opts.PollTimeoutMs = DefaultPollTimeoutMs
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	master, masterFd, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		logger:      opts.Logger,
		master:      master,
		masterFd:    masterFd,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: opts.PollTimeoutMs,
		queue:       ringbuffer.New(opts.BufferSize),
		wake:        make(chan struct{}, 1),
		cancel:      cancel,
	}

	m.routines.Go(ctx, "pty-mirror-flush", m.flushLoop)

	m.logger.WithField("tty", m.ttyName).Info("PTY mirror opened")
	return m, nil
}

// TTYName returns the slave path, e.g. /dev/pts/5
func (m *Mirror) TTYName() string {
	return m.ttyName
}

// Write queues p for the pseudo-terminal. It never blocks. When p does not
// fit into the queue it is dropped whole and (0, nil) is returned.
func (m *Mirror) Write(p []byte) (int, error) {
	if m.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.queue.Free() < len(p) {
		m.mu.Unlock()
		m.dropped.Add(1)
		m.logger.WithField("bytes", len(p)).Debug("PTY mirror queue full, payload dropped")
		return 0, nil
	}
	n, err := m.queue.Write(p)
	m.mu.Unlock()
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Stats returns a snapshot of the counters
func (m *Mirror) Stats() Stats {
	return Stats{
		QueueLen: m.queue.Length(),
		QueueCap: m.queue.Capacity(),
		Written:  m.written.Load(),
		Dropped:  m.dropped.Load(),
	}
}

// Close stops the flush loop and closes both ends. Closing twice is a no-op.
func (m *Mirror) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.routines.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(m.pollTimeout)*time.Millisecond*2 + time.Second):
		m.logger.Warn("PTY mirror flush loop did not exit in time")
	}

	var errs []error
	if err := m.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := m.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}
	m.logger.WithField("tty", m.ttyName).Debug("PTY mirror closed")
	return errors.Join(errs...)
}

func (m *Mirror) flushLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("PTY mirror flush loop panicked (recovered): %v", r)
		}
	}()

	pollFd := []unix.PollFd{{Fd: int32(m.masterFd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	idle := time.Duration(m.pollTimeout) * time.Millisecond

	for {
		if m.queue.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-time.After(idle):
				continue
			}
		}

		n, err := m.queue.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			m.logger.WithField("error", err).Warn("PTY mirror queue read failed")
			continue
		}

		for off := 0; off < n; {
			if ctx.Err() != nil {
				return
			}
			w, err := m.master.Write(buf[off:n])
			if w > 0 {
				off += w
				m.written.Add(uint64(w))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				// nobody is draining the slave; wait for room
				if _, perr := unix.Poll(pollFd, m.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					m.logger.WithField("error", perr).Debug("PTY mirror poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				m.logger.WithField("error", err).Warn("PTY mirror write failed, flush loop exiting")
				return
			}
		}
	}
}

// createPTY opens a pseudo-terminal pair with the slave in raw mode and a
// non-blocking master. The master descriptor is returned separately since
// calling Fd again would switch it back to blocking mode.
func createPTY() (master *os.File, masterFd int, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		var errs []error
		if cerr := master.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close PTY master: %w", cerr))
		}
		if cerr := slave.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close PTY slave: %w", cerr))
		}
		return errors.Join(append([]error{cause}, errs...)...)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, 0, nil, cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	masterFd = int(master.Fd())
	if err := syscall.SetNonblock(masterFd, true); err != nil {
		return nil, 0, nil, cleanup(fmt.Errorf("failed to make PTY master non-blocking: %w", err))
	}
	return master, masterFd, slave, nil
}
