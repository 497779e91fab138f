//go:build darwin

package framepipe

import (
	"golang.org/x/sys/unix"
)

// createWakeFd returns both ends of a self-pipe, as there is no eventfd. Both are
// non-blocking, so a full pipe reads as a wake-up already pending.
func createWakeFd() (readFd, writeFd int, err error) {
	var ends [2]int
	if err = unix.Pipe(ends[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range ends {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(ends[0])
			_ = unix.Close(ends[1])
			return -1, -1, err
		}
	}
	return ends[0], ends[1], nil
}
