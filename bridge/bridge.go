// Package bridge holds the contracts of the collaborators living outside the core:
// the Xwayland bridge and the color pipeline
package bridge

import (
	"errors"
	"fmt"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/renderer"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotRunning    = errors.New("backend is not running")
	ErrAlreadyActive = errors.New("bridge already active")
)

// ColorProfile is an ICC profile attached to an output. The core never looks inside
type ColorProfile struct {
	Name string
	ICC  []byte
}

// ColorPipeline transforms b for profile p. It may return b itself
type ColorPipeline func(b *buffer.Buffer, p *ColorProfile) (*buffer.Buffer, error)

// ApplyColor runs pipeline on b, holding a reference on b for the duration of the call.
// Without a profile b is returned as is
func ApplyColor(reg capability.Registry, pipeline ColorPipeline, b *buffer.Buffer, p *ColorProfile) (*buffer.Buffer, error) {
	if err := reg.Require(capability.ColorManagement, "color pipeline"); err != nil {
		return nil, err
	}
	if p == nil || pipeline == nil {
		return b, nil
	}
	b.Acquire()
	defer b.Release()
	out, err := pipeline(b, p)
	if err != nil {
		return nil, fmt.Errorf("color pipeline %s: %w", p.Name, err)
	}
	return out, nil
}

// Output is what a bridge gets to see of an output
type Output interface {
	OutputName() string
	OutputSize() (int, int)
}

// Renderer is what a bridge uses to hand its surfaces to the core
type Renderer interface {
	ImportBuffer(b *buffer.Buffer) (*renderer.Image, error)
}

// Host is the running backend a bridge attaches to
type Host interface {
	Running() bool
	BridgeOutputs() []Output
}

// Xwayland translates legacy X11 clients into ordinary buffers
type Xwayland interface {
	Start(outputs []Output, r Renderer) error
	// OutputsChanged gets called after hotplug with the outputs left
	OutputsChanged(outputs []Output)
	Stop() error
}

// XwaylandSession keeps a bridge attached to a host for as long as the host runs
type XwaylandSession struct {
	bridge Xwayland
	host   Host
	active bool
	log    *logrus.Entry
}

// NewXwaylandSession fails with a ConfigurationError if the bridge isn't compiled in
func NewXwaylandSession(reg capability.Registry, x Xwayland, host Host) (*XwaylandSession, error) {
	if err := reg.Require(capability.Xwayland, "xwayland bridge"); err != nil {
		return nil, err
	}
	return &XwaylandSession{
		bridge: x,
		host:   host,
		log:    logrus.WithField("component", "xwayland"),
	}, nil
}

func (s *XwaylandSession) Active() bool { return s.active }

// Start attaches the bridge. The host must be running
func (s *XwaylandSession) Start(r Renderer) error {
	if s.active {
		return ErrAlreadyActive
	}
	if !s.host.Running() {
		return ErrNotRunning
	}
	if err := s.bridge.Start(s.host.BridgeOutputs(), r); err != nil {
		return fmt.Errorf("start xwayland bridge: %w", err)
	}
	s.active = true
	s.log.Infoln("Xwayland bridge attached")
	return nil
}

// Refresh passes the current outputs on after hotplug
func (s *XwaylandSession) Refresh() {
	if s.active {
		s.bridge.OutputsChanged(s.host.BridgeOutputs())
	}
}

// Stop detaches the bridge. Calling it again is a no-op
func (s *XwaylandSession) Stop() error {
	if !s.active {
		return nil
	}
	s.active = false
	s.log.Infoln("Xwayland bridge detached")
	return s.bridge.Stop()
}
