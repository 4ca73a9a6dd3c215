package backend

import (
	"encoding/binary"
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

const x11EventMask = xproto.EventMaskStructureNotify | xproto.EventMaskExposure |
	xproto.EventMaskKeyPress | xproto.EventMaskKeyRelease |
	xproto.EventMaskButtonPress | xproto.EventMaskButtonRelease |
	xproto.EventMaskPointerMotion

// xgbDisplay talks to a real X server
type xgbDisplay struct {
	conn        *xgb.Conn
	screen      *xproto.ScreenInfo
	gc          xproto.Gcontext
	wmProtocols xproto.Atom
	wmDelete    xproto.Atom
	// Largest PutImage payload the server accepts, in bytes
	maxPayload int
}

func dialX11(display string) (x11Display, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, err
	}
	setup := xproto.Setup(conn)
	if setup == nil || len(setup.Roots) == 0 {
		conn.Close()
		return nil, fmt.Errorf("x server reported no screens")
	}
	d := &xgbDisplay{
		conn:   conn,
		screen: setup.DefaultScreen(conn),
		// Request length is in 4 byte units, minus the PutImage header
		maxPayload: int(setup.MaximumRequestLength)*4 - 24,
	}
	if d.wmProtocols, err = d.intern("WM_PROTOCOLS"); err != nil {
		conn.Close()
		return nil, err
	}
	if d.wmDelete, err = d.intern("WM_DELETE_WINDOW"); err != nil {
		conn.Close()
		return nil, err
	}
	if d.gc, err = xproto.NewGcontextId(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err = xproto.CreateGCChecked(conn, d.gc, xproto.Drawable(d.screen.Root), 0, nil).Check(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create gc: %w", err)
	}
	return d, nil
}

func (d *xgbDisplay) intern(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(d.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("intern %s: %w", name, err)
	}
	return reply.Atom, nil
}

func (d *xgbDisplay) CreateWindow(title string, width, height int) (uint32, error) {
	win, err := xproto.NewWindowId(d.conn)
	if err != nil {
		return 0, err
	}
	err = xproto.CreateWindowChecked(d.conn, d.screen.RootDepth, win, d.screen.Root,
		0, 0, uint16(width), uint16(height), 0,
		xproto.WindowClassInputOutput, d.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{d.screen.BlackPixel, x11EventMask}).Check()
	if err != nil {
		return 0, fmt.Errorf("create window: %w", err)
	}
	protocols := make([]byte, 4)
	binary.NativeEndian.PutUint32(protocols, uint32(d.wmDelete))
	xproto.ChangeProperty(d.conn, xproto.PropModeReplace, win, d.wmProtocols,
		xproto.AtomAtom, 32, 1, protocols)
	xproto.ChangeProperty(d.conn, xproto.PropModeReplace, win, xproto.AtomWmName,
		xproto.AtomString, 8, uint32(len(title)), []byte(title))
	if err = xproto.MapWindowChecked(d.conn, win).Check(); err != nil {
		xproto.DestroyWindow(d.conn, win)
		return 0, fmt.Errorf("map window: %w", err)
	}
	return uint32(win), nil
}

func (d *xgbDisplay) DestroyWindow(win uint32) {
	xproto.DestroyWindow(d.conn, xproto.Window(win))
}

// PutImage splits the upload into strips of rows small enough for one request
func (d *xgbDisplay) PutImage(win uint32, width, height int, bgrx []byte) error {
	row := width * 4
	rows := max(1, d.maxPayload/row)
	for y := 0; y < height; y += rows {
		n := min(rows, height-y)
		xproto.PutImage(d.conn, xproto.ImageFormatZPixmap, xproto.Drawable(win), d.gc,
			uint16(width), uint16(n), 0, int16(y), 0, d.screen.RootDepth,
			bgrx[y*row:(y+n)*row])
	}
	// One round trip makes sure the strips were accepted
	_, err := xproto.GetInputFocus(d.conn).Reply()
	return err
}

func (d *xgbDisplay) NextEvent() (x11Event, error) {
	ev, xerr := d.conn.WaitForEvent()
	if ev == nil && xerr == nil {
		return x11Event{}, errDisplayClosed
	}
	if xerr != nil {
		return x11Event{Kind: x11ProtocolError, Err: xerr}, nil
	}
	switch e := ev.(type) {
	case xproto.ConfigureNotifyEvent:
		return x11Event{Kind: x11Configure, Window: uint32(e.Window), Width: int(e.Width), Height: int(e.Height)}, nil
	case xproto.ExposeEvent:
		if e.Count != 0 {
			break
		}
		return x11Event{Kind: x11Expose, Window: uint32(e.Window)}, nil
	case xproto.ClientMessageEvent:
		if e.Type == d.wmProtocols && e.Format == 32 && xproto.Atom(e.Data.Data32[0]) == d.wmDelete {
			return x11Event{Kind: x11Close, Window: uint32(e.Window)}, nil
		}
	case xproto.KeyPressEvent:
		return x11Event{Kind: x11Key, Window: uint32(e.Event), Code: uint8(e.Detail), Value: 1}, nil
	case xproto.KeyReleaseEvent:
		return x11Event{Kind: x11Key, Window: uint32(e.Event), Code: uint8(e.Detail), Value: 0}, nil
	case xproto.ButtonPressEvent:
		return x11Event{Kind: x11Button, Window: uint32(e.Event), Code: uint8(e.Detail), Value: 1,
			X: int(e.EventX), Y: int(e.EventY)}, nil
	case xproto.ButtonReleaseEvent:
		return x11Event{Kind: x11Button, Window: uint32(e.Event), Code: uint8(e.Detail), Value: 0,
			X: int(e.EventX), Y: int(e.EventY)}, nil
	case xproto.MotionNotifyEvent:
		return x11Event{Kind: x11Motion, Window: uint32(e.Event), X: int(e.EventX), Y: int(e.EventY)}, nil
	}
	return x11Event{Kind: x11Ignored}, nil
}

func (d *xgbDisplay) Close() {
	d.conn.Close()
}
