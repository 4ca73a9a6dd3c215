package backend

import (
	"fmt"
	"strings"

	"github.com/mstarongithub/w2gcore/bridge"
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/fence"
)

type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
	Preferred  bool

	// Raw KMS mode line, only set for DRM outputs
	raw *drmModeInfo
}

func (m Mode) String() string {
	if m.RefreshMHz == 0 {
		return fmt.Sprintf("%dx%d", m.Width, m.Height)
	}
	return fmt.Sprintf("%dx%d@%d.%03d", m.Width, m.Height, m.RefreshMHz/1000, m.RefreshMHz%1000)
}

// frame is one PresentFrame call travelling through an output's queue
type frame struct {
	buf *buffer.Buffer
	// Signaled once the frame is on screen, or with the reason it never got there
	done *fence.Fence
	// Committed to the hardware, waiting for the flip
	committed bool
}

// Output is a display sink owned by a backend
type Output struct {
	ID   uint32
	Name string
	Mode Mode
	// Every mode the sink supports
	Modes   []Mode
	Profile *bridge.ColorProfile

	current *buffer.Buffer
	// Read fence of current, signaled when it leaves the screen
	scanout  *fence.Fence
	inFlight *frame
	pending  *frame
	gone     bool

	// DRM
	connector uint32
	crtc      uint32
	modeSet   bool
	// X11
	window uint32
}

// Current returns the buffer on screen, nil if none
func (o *Output) Current() *buffer.Buffer { return o.current }

// Gone reports whether the output got unplugged
func (o *Output) Gone() bool { return o.gone }

// OutputName and OutputSize let the output be handed to bridge collaborators
func (o *Output) OutputName() string { return o.Name }

func (o *Output) OutputSize() (int, int) { return o.Mode.Width, o.Mode.Height }

func (o *Output) String() string {
	return fmt.Sprintf("%s (%d, %s)", o.Name, o.ID, o.Mode)
}

type InputCaps uint8

const (
	Pointer InputCaps = 1 << iota
	Keyboard
	Touch
)

func (c InputCaps) String() string {
	names := []string{}
	if c&Pointer != 0 {
		names = append(names, "pointer")
	}
	if c&Keyboard != 0 {
		names = append(names, "keyboard")
	}
	if c&Touch != 0 {
		names = append(names, "touch")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// InputDevice is an input source owned by a backend
type InputDevice struct {
	ID   uint32
	Name string
	Caps InputCaps
	// Device node, empty for virtual devices
	Path string

	gone bool
}

func (d *InputDevice) Gone() bool { return d.gone }

func (d *InputDevice) String() string {
	return fmt.Sprintf("%s (%d, %s)", d.Name, d.ID, d.Caps)
}
