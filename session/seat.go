package session

import "context"

type SignalKind int

const (
	// The VT got switched away from us
	SignalDisable SignalKind = iota
	// The VT is ours again
	SignalEnable
	// A device vanished (unplugged)
	SignalDeviceGone
	// The seat service dropped us
	SignalLost
)

// Signal is something the seat tells the session about asynchronously
type Signal struct {
	Kind SignalKind
	// Set for SignalDeviceGone
	Device DeviceID
	// Set for SignalLost
	Err error
}

// Seat is the mechanism granting access to device nodes
type Seat interface {
	Name() string
	// ClaimsVT reports whether this seat claims a VT through a seat service.
	// Such seats need the session capability
	ClaimsVT() bool
	Claim(ctx context.Context) error
	Release() error

	OpenDevice(path string) (int, DeviceID, error)
	CloseDevice(fd int, id DeviceID) error
	// Pause mutes access to a device when the session gets suspended.
	// Returns the descriptor still held, or -1 if the seat had to let go of it
	Pause(fd int, id DeviceID) (int, error)
	// Resume restores access after a suspend.
	// Returns the descriptor to use from now on and the identity it refers to.
	// On error no descriptor is held anymore
	Resume(path string, fd int, id DeviceID) (int, DeviceID, error)

	// Signals delivers seat events. May return nil if the seat never sends any
	Signals() <-chan Signal
	SwitchVT(vt int) error
}
