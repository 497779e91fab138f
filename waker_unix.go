//go:build linux || darwin

package framepipe

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// abortPollInterval bounds each poll(2), so a closed abort channel is noticed even when no
// wake-up was ever written.
const abortPollInterval = 100 * time.Millisecond

// fdWaker is a Waker backed by a file descriptor pair: an eventfd on Linux, a self-pipe on
// Darwin. The worker blocks in poll(2) on the read end.
type fdWaker struct {
	readFd    int
	writeFd   int
	closeOnce sync.Once
	closeErr  error
	buf       [8]byte
}

// NewFdWaker allocates an OS-level wake primitive. The returned error is suitable for wrapping
// as a *WakeError; failure typically indicates file descriptor exhaustion.
func NewFdWaker() (Waker, error) {
	readFd, writeFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}
	return &fdWaker{readFd: readFd, writeFd: writeFd}, nil
}

// newDefaultWaker returns the platform-native waker.
func newDefaultWaker() (Waker, error) {
	return NewFdWaker()
}

func (w *fdWaker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.writeFd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// pipe full (or eventfd counter saturated) means a wake is already pending
			return nil
		default:
			return err
		}
	}
}

func (w *fdWaker) Wait(abort <-chan struct{}) error {
	fds := []unix.PollFd{{Fd: int32(w.readFd), Events: unix.POLLIN}}
	for {
		select {
		case <-abort:
			return nil
		default:
		}
		n, err := unix.Poll(fds, int(abortPollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return unix.EBADF
			}
			if fds[0].Revents&unix.POLLIN != 0 {
				break
			}
		}
	}
	return w.drain()
}

// drain consumes all pending wake-ups.
func (w *fdWaker) drain() error {
	for {
		_, err := unix.Read(w.readFd, w.buf[:])
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		default:
			return err
		}
	}
}

func (w *fdWaker) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = unix.Close(w.readFd)
		if w.writeFd != w.readFd {
			if err := unix.Close(w.writeFd); err != nil && w.closeErr == nil {
				w.closeErr = err
			}
		}
	})
	return w.closeErr
}
