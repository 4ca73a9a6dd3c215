package bridge

import (
	"errors"
	"testing"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/renderer"
)

type nopMemory struct{}

func (nopMemory) Pixels() []byte { return nil }
func (nopMemory) DmabufFD() int  { return -1 }
func (nopMemory) Close() error   { return nil }

func TestApplyColorHoldsReference(t *testing.T) {
	b := buffer.New(buffer.Attributes{Width: 1, Height: 1, Format: buffer.XRGB8888}, nopMemory{}, nil)
	profile := &ColorProfile{Name: "sRGB"}
	seen := 0
	out, err := ApplyColor(capability.New(capability.ColorManagement), func(in *buffer.Buffer, p *ColorProfile) (*buffer.Buffer, error) {
		seen = in.Refs()
		return in, nil
	}, b, profile)
	if err != nil {
		t.Fatal(err)
	}
	if seen != 2 {
		t.Errorf("pipeline saw %d refs", seen)
	}
	if out != b || b.Refs() != 1 {
		t.Errorf("refs after the call: %d", b.Refs())
	}
}

func TestApplyColorGated(t *testing.T) {
	b := buffer.New(buffer.Attributes{Width: 1, Height: 1, Format: buffer.XRGB8888}, nopMemory{}, nil)
	_, err := ApplyColor(capability.New(), nil, b, &ColorProfile{})
	var cerr *errs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

type fakeHost struct{ running bool }

func (h *fakeHost) Running() bool { return h.running }
func (h *fakeHost) BridgeOutputs() []Output {
	return nil
}

type fakeXwayland struct {
	starts, stops, changes int
}

func (x *fakeXwayland) Start([]Output, Renderer) error { x.starts++; return nil }
func (x *fakeXwayland) OutputsChanged([]Output)        { x.changes++ }
func (x *fakeXwayland) Stop() error                    { x.stops++; return nil }

type nopRenderer struct{}

func (nopRenderer) ImportBuffer(*buffer.Buffer) (*renderer.Image, error) { return nil, nil }

func TestXwaylandSession(t *testing.T) {
	host := &fakeHost{}
	x := &fakeXwayland{}
	if _, err := NewXwaylandSession(capability.New(), x, host); err == nil {
		t.Fatal("bridge created without the capability")
	}
	s, err := NewXwaylandSession(capability.New(capability.Xwayland), x, host)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Start(nopRenderer{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("start on stopped host: %v", err)
	}
	host.running = true
	if err = s.Start(nopRenderer{}); err != nil {
		t.Fatal(err)
	}
	if err = s.Start(nopRenderer{}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("double start: %v", err)
	}
	s.Refresh()
	s.Stop()
	s.Stop()
	if x.starts != 1 || x.changes != 1 || x.stops != 1 {
		t.Errorf("bridge calls: %+v", x)
	}
}
