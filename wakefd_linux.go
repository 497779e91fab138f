//go:build linux

package framepipe

import (
	"golang.org/x/sys/unix"
)

// createWakeFd returns a non-blocking eventfd, used as both the read and the write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}
