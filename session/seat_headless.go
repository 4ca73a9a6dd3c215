package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"golang.org/x/sys/unix"
)

// HeadlessSeat hands out virtual devices for hosts without any hardware.
// Every opened device is backed by a real (memfd) descriptor, so descriptor accounting
// behaves like it would with device nodes
type HeadlessSeat struct {
	lock    sync.Mutex
	devices map[string]DeviceID
	signals chan Signal
	// Returned by Claim when set, simulating an unreachable seat service
	ClaimErr error
}

func NewHeadlessSeat() *HeadlessSeat {
	return &HeadlessSeat{
		devices: make(map[string]DeviceID),
		signals: make(chan Signal, 16),
	}
}

// AddDevice makes a virtual device node available at path
func (s *HeadlessSeat) AddDevice(path string, id DeviceID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.devices[path] = id
}

// RemoveDevice unplugs the virtual device at path. Open descriptors stay valid,
// but the device can't be opened or resumed anymore
func (s *HeadlessSeat) RemoveDevice(path string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.devices, path)
}

// Emit queues a seat signal, as a seat service would on VT switches
func (s *HeadlessSeat) Emit(sig Signal) {
	s.signals <- sig
}

func (s *HeadlessSeat) Name() string   { return "headless" }
func (s *HeadlessSeat) ClaimsVT() bool { return false }

func (s *HeadlessSeat) Claim(ctx context.Context) error {
	if s.ClaimErr != nil {
		return s.ClaimErr
	}
	return ctx.Err()
}

func (s *HeadlessSeat) Release() error { return nil }

func (s *HeadlessSeat) OpenDevice(path string) (int, DeviceID, error) {
	s.lock.Lock()
	id, ok := s.devices[path]
	s.lock.Unlock()
	if !ok {
		return -1, DeviceID{}, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	fd, err := unix.MemfdCreate("w2g-headless-device", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, DeviceID{}, fmt.Errorf("memfd for %s: %w", path, err)
	}
	return fd, id, nil
}

func (s *HeadlessSeat) CloseDevice(fd int, _ DeviceID) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// Pause revokes the descriptor like a seat service does for input devices
func (s *HeadlessSeat) Pause(fd int, _ DeviceID) (int, error) {
	if fd < 0 {
		return -1, nil
	}
	return -1, unix.Close(fd)
}

func (s *HeadlessSeat) Resume(path string, fd int, _ DeviceID) (int, DeviceID, error) {
	if fd >= 0 {
		unix.Close(fd)
	}
	return s.OpenDevice(path)
}

func (s *HeadlessSeat) Signals() <-chan Signal { return s.signals }

func (s *HeadlessSeat) SwitchVT(vt int) error {
	if vt <= 0 {
		return errors.New("invalid vt")
	}
	s.signals <- Signal{Kind: SignalDisable}
	return nil
}
