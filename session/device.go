package session

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Major device numbers the seats care about
const (
	MajorInput = 13
	MajorDRM   = 226
)

// DeviceID identifies a character device by its major/minor numbers.
// It survives reopening the node, unlike the descriptor
type DeviceID struct {
	Major uint32
	Minor uint32
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// IdentifyFD returns the identity of the character device behind fd
func IdentifyFD(fd int) (DeviceID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return DeviceID{}, fmt.Errorf("fstat: %w", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return DeviceID{}, fmt.Errorf("fd %d is not a character device", fd)
	}
	return DeviceID{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}, nil
}

// IdentifyPath returns the identity of the character device node at path
func IdentifyPath(path string) (DeviceID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return DeviceID{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return DeviceID{}, fmt.Errorf("%s is not a character device", path)
	}
	return DeviceID{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}, nil
}

// Device is a descriptor owned by the session and lent to a backend.
// Backends must neither close nor duplicate it
type Device struct {
	Path string
	ID   DeviceID

	fd     int
	paused bool
	lost   bool
}

// Fd returns the descriptor, or -1 while the device is paused, lost or released
func (d *Device) Fd() int {
	if d.paused || d.lost {
		return -1
	}
	return d.fd
}

// Paused reports whether access is muted by a suspended session
func (d *Device) Paused() bool { return d.paused }

// Lost reports whether the device went away and won't come back
func (d *Device) Lost() bool { return d.lost }

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Path, d.ID)
}
