package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/util/ioctl"
	"golang.org/x/sys/unix"
)

var (
	ioctlDRMSetMaster  = ioctl.IO('d', 0x1e)
	ioctlDRMDropMaster = ioctl.IO('d', 0x1f)
)

// DirectSeat opens device nodes itself, without any seat service or VT claim.
// Needs permissions on the nodes, typically root or membership in the video/input groups
type DirectSeat struct{}

func NewDirectSeat() *DirectSeat {
	return &DirectSeat{}
}

func (s *DirectSeat) Name() string   { return "direct" }
func (s *DirectSeat) ClaimsVT() bool { return false }

func (s *DirectSeat) Claim(ctx context.Context) error { return ctx.Err() }
func (s *DirectSeat) Release() error                  { return nil }

func (s *DirectSeat) OpenDevice(path string) (int, DeviceID, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, DeviceID{}, openError(path, err)
	}
	id, err := IdentifyFD(fd)
	if err != nil {
		unix.Close(fd)
		return -1, DeviceID{}, err
	}
	return fd, id, nil
}

func (s *DirectSeat) CloseDevice(fd int, _ DeviceID) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// Pause drops DRM master but keeps the node open. Input nodes get closed,
// nobody would revoke them for us
func (s *DirectSeat) Pause(fd int, id DeviceID) (int, error) {
	if fd < 0 {
		return -1, nil
	}
	if id.Major == MajorDRM {
		if err := ioctl.Value(fd, ioctlDRMDropMaster, 0); err != nil {
			return fd, fmt.Errorf("drop drm master: %w", err)
		}
		return fd, nil
	}
	return -1, unix.Close(fd)
}

func (s *DirectSeat) Resume(path string, fd int, id DeviceID) (int, DeviceID, error) {
	if fd >= 0 {
		current, err := IdentifyFD(fd)
		if err != nil {
			unix.Close(fd)
			return -1, DeviceID{}, err
		}
		if current.Major == MajorDRM {
			if err = ioctl.Value(fd, ioctlDRMSetMaster, 0); err != nil {
				unix.Close(fd)
				return -1, DeviceID{}, fmt.Errorf("set drm master: %w", err)
			}
		}
		return fd, current, nil
	}
	return s.OpenDevice(path)
}

func (s *DirectSeat) Signals() <-chan Signal { return nil }

func (s *DirectSeat) SwitchVT(int) error {
	return errors.New("direct seat can't switch VTs")
}

func openError(path string, err error) error {
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: open %s: %v", errs.ErrAccessDenied, path, err)
	}
	return fmt.Errorf("open %s: %w", path, err)
}
