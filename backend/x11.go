package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/renderer"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/sirupsen/logrus"
)

var errDisplayClosed = errors.New("display connection closed")

type x11EventKind int

const (
	x11Ignored x11EventKind = iota
	x11ProtocolError
	x11Configure
	x11Close
	x11Expose
	x11Key
	x11Button
	x11Motion
)

type x11Event struct {
	Kind   x11EventKind
	Window uint32
	// Configure
	Width, Height int
	// Key, Button (Value 1 pressed, 0 released), Motion
	Code  uint8
	Value int32
	X, Y  int
	Err   error
}

// x11Display is the part of an X connection the nested backend uses
type x11Display interface {
	CreateWindow(title string, width, height int) (uint32, error)
	DestroyWindow(win uint32)
	// PutImage uploads rows of 32bpp BGRX pixels
	PutImage(win uint32, width, height int, bgrx []byte) error
	// NextEvent blocks. It fails with errDisplayClosed once the connection is gone
	NextEvent() (x11Event, error)
	Close()
}

// Linux button and key codes the X events get translated to
const (
	btnRight  = 0x111
	btnMiddle = 0x112
	relWheel  = 0x08
	// X keycodes are evdev codes shifted by 8
	x11KeycodeOffset = 8
)

type x11Driver struct {
	b        *Backend
	disp     x11Display
	keyboard *InputDevice
	pointer  *InputDevice
	byWindow map[uint32]*Output
	// Last uploaded frame per output, kept for Expose
	shown map[*Output][]byte
	dial  func(display string) (x11Display, error)
	// Set when the connection dropped out from under us
	broken bool
}

func newX11Driver(b *Backend) *x11Driver {
	return &x11Driver{
		b:        b,
		byWindow: make(map[uint32]*Output),
		shown:    make(map[*Output][]byte),
		dial:     dialX11,
	}
}

func (d *x11Driver) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &errs.DeviceError{Op: "connect x11", Err: err}
	}
	disp, err := d.dial(d.b.opts.Display)
	if err != nil {
		return &errs.DeviceError{Path: d.b.opts.Display, Op: "connect x11", Err: err}
	}
	d.disp = disp

	windows := d.b.opts.Windows
	if len(windows) == 0 {
		windows = []Mode{{Width: 1280, Height: 720}}
	}
	for i, mode := range windows {
		name := fmt.Sprintf("X11-%d", i+1)
		win, err := disp.CreateWindow("w2g - "+name, mode.Width, mode.Height)
		if err != nil {
			for w := range d.byWindow {
				disp.DestroyWindow(w)
			}
			disp.Close()
			d.disp = nil
			return &errs.DeviceError{Path: d.b.opts.Display, Op: "create window", Err: err}
		}
		mode.Preferred = true
		out := &Output{Name: name, Mode: mode, Modes: []Mode{mode}, window: win}
		d.byWindow[win] = out
		d.b.addOutput(out)
	}
	d.keyboard = &InputDevice{Name: "x11-keyboard", Caps: Keyboard}
	d.pointer = &InputDevice{Name: "x11-pointer", Caps: Pointer}
	d.b.addInput(d.keyboard)
	d.b.addInput(d.pointer)

	d.b.goReader(func(stop <-chan struct{}) {
		for {
			ev, err := disp.NextEvent()
			if err != nil {
				select {
				case <-stop:
				default:
					d.b.loop.Post(func() { d.connectionLost(err) })
				}
				return
			}
			if ev.Kind == x11Ignored {
				continue
			}
			d.b.loop.Post(func() { d.handle(ev) })
		}
	})
	return nil
}

func (d *x11Driver) handle(ev x11Event) {
	if d.broken || (d.b.state != Running && d.b.state != Suspended) {
		return
	}
	if ev.Kind == x11ProtocolError {
		d.b.log.WithError(ev.Err).Debugln("X11 protocol error")
		return
	}
	out := d.byWindow[ev.Window]
	if out == nil {
		return
	}
	switch ev.Kind {
	case x11Configure:
		if ev.Width == out.Mode.Width && ev.Height == out.Mode.Height {
			return
		}
		out.Mode = Mode{Width: ev.Width, Height: ev.Height, Preferred: true}
		out.Modes = []Mode{out.Mode}
		delete(d.shown, out)
		d.b.log.WithFields(logrus.Fields{"output": out.Name, "mode": out.Mode}).Debugln("Window resized")
		d.b.emit(event.Event{Kind: event.OutputModeChanged, Output: out.Name})
	case x11Close:
		delete(d.byWindow, ev.Window)
		delete(d.shown, out)
		d.disp.DestroyWindow(ev.Window)
		d.b.removeOutput(out)
	case x11Expose:
		if px := d.shown[out]; px != nil {
			d.disp.PutImage(out.window, out.Mode.Width, len(px)/(out.Mode.Width*4), px)
		}
	case x11Key:
		d.b.emitInput(d.keyboard, event.InputPayload{
			Type: evKey, Code: uint16(ev.Code) - x11KeycodeOffset, Value: ev.Value,
		})
	case x11Button:
		d.b.emitInput(d.pointer, buttonPayload(ev))
	case x11Motion:
		d.b.emitInput(d.pointer, event.InputPayload{
			Type: evAbs, Code: absX, X: float64(ev.X), Y: float64(ev.Y),
		})
	}
}

func buttonPayload(ev x11Event) event.InputPayload {
	switch ev.Code {
	case 2:
		return event.InputPayload{Type: evKey, Code: btnMiddle, Value: ev.Value, X: float64(ev.X), Y: float64(ev.Y)}
	case 3:
		return event.InputPayload{Type: evKey, Code: btnRight, Value: ev.Value, X: float64(ev.X), Y: float64(ev.Y)}
	case 4:
		return event.InputPayload{Type: evRel, Code: relWheel, Value: 1}
	case 5:
		return event.InputPayload{Type: evRel, Code: relWheel, Value: -1}
	default:
		return event.InputPayload{Type: evKey, Code: btnLeft, Value: ev.Value, X: float64(ev.X), Y: float64(ev.Y)}
	}
}

func (d *x11Driver) connectionLost(err error) {
	if d.broken || d.b.state == Destroying || d.b.state == Destroyed {
		return
	}
	d.broken = true
	d.byWindow = map[uint32]*Output{}
	d.b.removeInput(d.keyboard)
	d.b.removeInput(d.pointer)
	d.b.lost(&errs.DeviceError{Path: d.b.opts.Display, Op: "x11 connection", Err: err})
}

// commit uploads the pixels right away, so the frame counts as flipped on the next dispatch
func (d *x11Driver) commit(out *Output, buf *buffer.Buffer) error {
	if d.broken {
		return errDisplayClosed
	}
	px, err := toBGRX(buf, out.Mode.Width, out.Mode.Height)
	if err != nil {
		return err
	}
	if err := d.disp.PutImage(out.window, out.Mode.Width, len(px)/(out.Mode.Width*4), px); err != nil {
		return err
	}
	d.shown[out] = px
	d.b.loop.Post(func() { d.b.flipped(out) })
	return nil
}

// toBGRX copies the part of buf that fits the window into the X server's pixel layout
func toBGRX(buf *buffer.Buffer, width, height int) ([]byte, error) {
	w, h := min(width, buf.Width), min(height, buf.Height)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("nothing to show for a %dx%d buffer", buf.Width, buf.Height)
	}
	px := make([]byte, width*h*4)
	if buf.Format == buffer.XRGB8888 || buf.Format == buffer.ARGB8888 {
		if renderer.View(buf) == nil {
			return nil, fmt.Errorf("buffer %s has no CPU mapping", buf.ID)
		}
		mem := buf.Memory().Pixels()
		for y := 0; y < h; y++ {
			copy(px[y*width*4:y*width*4+w*4], mem[y*buf.Stride:])
		}
		return px, nil
	}
	src := renderer.View(buf)
	if src == nil {
		return nil, fmt.Errorf("buffer %s has no CPU mapping", buf.ID)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			o := (y*width + x) * 4
			px[o], px[o+1], px[o+2], px[o+3] = byte(b>>8), byte(g>>8), byte(r>>8), 0xff
		}
	}
	return px, nil
}

func (d *x11Driver) retire(*Output, *buffer.Buffer) {}

// The nested backend has no session devices
func (d *x11Driver) pause()                      {}
func (d *x11Driver) resume()                     {}
func (d *x11Driver) deviceLost(*session.Device) {}

func (d *x11Driver) shutdown() {
	if d.disp == nil {
		return
	}
	if !d.broken {
		for win := range d.byWindow {
			d.disp.DestroyWindow(win)
		}
	}
	// Closing unblocks the reader
	d.disp.Close()
	d.disp = nil
	d.b.readers.Wait()
	d.shown = map[*Output][]byte{}
}

func (d *x11Driver) renderDevice() string { return "" }
