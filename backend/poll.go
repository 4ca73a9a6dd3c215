package backend

import (
	"errors"

	"golang.org/x/sys/unix"
)

// How long readers block before checking whether they should stop, in milliseconds
const pollInterval = 100

var errHangup = errors.New("descriptor hung up")

// waitReadable blocks until fd is readable or stop closes. Session descriptors can't be
// closed or duplicated to interrupt a read, so readers poll with a timeout instead
func waitReadable(fd int, stop <-chan struct{}) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-stop:
			return false, nil
		default:
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, pollInterval)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return true, nil
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return false, errHangup
		}
	}
}
