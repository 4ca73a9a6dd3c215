// Package ioctl wraps the raw ioctl syscall and the Linux request number encoding
package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	dirNone  = 0
	dirWrite = 1
	dirRead  = 2

	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	typeShift = nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits
)

func encode(dir, typ, nr, size uintptr) uintptr {
	return dir<<dirShift | size<<sizeShift | typ<<typeShift | nr
}

// IO encodes a request without an argument
func IO(typ, nr uintptr) uintptr { return encode(dirNone, typ, nr, 0) }

// IOR encodes a request the kernel writes size bytes back for
func IOR(typ, nr, size uintptr) uintptr { return encode(dirRead, typ, nr, size) }

// IOW encodes a request passing size bytes to the kernel
func IOW(typ, nr, size uintptr) uintptr { return encode(dirWrite, typ, nr, size) }

// IOWR encodes a request passing size bytes in both directions
func IOWR(typ, nr, size uintptr) uintptr { return encode(dirRead|dirWrite, typ, nr, size) }

// Do issues the request on fd, retrying while it gets interrupted
func Do(fd int, req uintptr, arg unsafe.Pointer) error {
	_, err := Call(fd, req, arg)
	return err
}

// Call issues the request and returns what the kernel returned, for requests
// that hand back a new descriptor
func Call(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return int(r), nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return -1, errno
		}
	}
}

// Value issues a request whose argument is a plain integer
func Value(fd int, req uintptr, arg uintptr) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}
