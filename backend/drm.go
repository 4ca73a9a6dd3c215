package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/session"
)

type fbKey struct {
	out *Output
	buf *buffer.Buffer
}

// drmDriver drives the outputs of one card through KMS
type drmDriver struct {
	b    *Backend
	card *session.Device
	kms  kmsDevice
	fbs  map[fbKey]uint32
	// Set when libinput-backend is compiled in
	input    *inputManager
	cardLost bool
	closed   bool

	openKMS     func(card *session.Device) kmsDevice
	openUevents func() (ueventSource, error)
}

func newDRMDriver(b *Backend) *drmDriver {
	d := &drmDriver{
		b:   b,
		fbs: make(map[fbKey]uint32),
		openKMS: func(card *session.Device) kmsDevice {
			return newCardKMS(card.Fd)
		},
		openUevents: func() (ueventSource, error) { return openUevents() },
	}
	if b.reg.IsSupported(capability.LibinputBackend) {
		d.input = newInputManager(b)
	}
	return d
}

func (d *drmDriver) start(ctx context.Context) error {
	sess := d.b.session
	if sess == nil {
		return &errs.DeviceError{Op: "start drm", Err: fmt.Errorf("needs a session")}
	}
	path := d.b.opts.Card
	if path == "" {
		cards, _ := filepath.Glob("/dev/dri/card[0-9]*")
		sort.Strings(cards)
		if len(cards) == 0 {
			return &errs.DeviceError{Op: "find card", Err: os.ErrNotExist}
		}
		path = cards[0]
	}
	devs, err := sess.Acquire(ctx, path)
	if err != nil {
		return &errs.DeviceError{Path: path, Op: "open", Err: err}
	}
	d.card = devs[0]
	d.kms = d.openKMS(d.card)

	conns, err := d.kms.Connectors()
	if err != nil {
		sess.ReleaseDevice(d.card)
		d.card = nil
		return &errs.DeviceError{Path: path, Op: "probe connectors", Err: err}
	}
	for _, conn := range conns {
		if conn.Connected && conn.Crtc != 0 {
			d.b.addOutput(outputFromConnector(conn))
		}
	}
	if d.input != nil {
		if err = d.input.start(ctx); err != nil {
			d.input.shutdown()
			sess.ReleaseDevice(d.card)
			d.card = nil
			return err
		}
	}

	watchUevents(d.b, d.openUevents, d.uevent)
	kms := d.kms
	d.b.goReader(func(stop <-chan struct{}) {
		kms.WatchFlips(stop, func(crtc uint32) {
			d.b.loop.Post(func() { d.flipComplete(crtc) })
		})
	})
	return nil
}

func outputFromConnector(conn kmsConnector) *Output {
	o := &Output{
		Name:      conn.Name,
		Modes:     conn.Modes,
		connector: conn.ID,
		crtc:      conn.Crtc,
	}
	o.Mode = preferredMode(conn.Modes)
	return o
}

func preferredMode(modes []Mode) Mode {
	for _, m := range modes {
		if m.Preferred {
			return m
		}
	}
	if len(modes) > 0 {
		return modes[0]
	}
	return Mode{}
}

func (d *drmDriver) commit(out *Output, buf *buffer.Buffer) error {
	if d.cardLost || d.closed {
		return errs.ErrOutputGone
	}
	key := fbKey{out: out, buf: buf}
	fb, ok := d.fbs[key]
	if !ok {
		var err error
		if fb, err = d.kms.AddFB(buf); err != nil {
			return err
		}
		d.fbs[key] = fb
	}
	if !out.modeSet {
		if err := d.kms.SetCrtc(out.crtc, out.connector, fb, out.Mode); err != nil {
			return fmt.Errorf("modeset %s: %w", out.Name, err)
		}
		out.modeSet = true
		// A modeset takes effect right away, there won't be a flip event
		d.b.loop.Post(func() { d.b.flipped(out) })
		return nil
	}
	return d.kms.PageFlip(out.crtc, fb)
}

func (d *drmDriver) flipComplete(crtc uint32) {
	for _, out := range d.b.outputs {
		if out.crtc == crtc {
			d.b.flipped(out)
			return
		}
	}
}

func (d *drmDriver) retire(out *Output, buf *buffer.Buffer) {
	key := fbKey{out: out, buf: buf}
	fb, ok := d.fbs[key]
	if !ok {
		return
	}
	delete(d.fbs, key)
	if d.closed || d.cardLost {
		return
	}
	if err := d.kms.RemoveFB(fb); err != nil {
		d.b.log.WithError(err).WithField("fb", fb).Debugln("Removing framebuffer failed")
	}
}

func (d *drmDriver) pause() {
	for _, out := range d.b.outputs {
		out.modeSet = false
	}
	if d.input != nil {
		d.input.pause()
	}
}

// resume restores the screens and picks up hotplug that happened while away
func (d *drmDriver) resume() {
	if d.input != nil {
		d.input.resume()
	}
	if d.cardLost {
		return
	}
	for _, out := range d.b.Outputs() {
		out := out
		if f := out.inFlight; f != nil && f.committed {
			// The flip may have been dropped along with master, modeset to the frame instead
			if err := d.commit(out, f.buf); err != nil {
				out.inFlight = nil
				d.b.finish(f, &errs.RenderError{Op: "commit", Err: err})
				d.b.emit(event.Event{Kind: event.FrameFailed, Output: out.Name, Err: err})
			}
			continue
		}
		if out.current == nil || out.inFlight != nil || out.pending != nil {
			continue
		}
		fb, ok := d.fbs[fbKey{out: out, buf: out.current}]
		if !ok {
			continue
		}
		if err := d.kms.SetCrtc(out.crtc, out.connector, fb, out.Mode); err != nil {
			d.b.log.WithError(err).WithField("output", out.Name).Warnln("Restoring output failed")
			continue
		}
		out.modeSet = true
	}
	d.rescan()
}

func (d *drmDriver) deviceLost(dev *session.Device) {
	if dev != d.card {
		if d.input != nil {
			d.input.deviceLost(dev)
		}
		return
	}
	d.cardLost = true
	d.b.lost(&errs.DeviceError{Path: dev.Path, Op: "scanout", Err: errs.ErrOutputGone})
}

func (d *drmDriver) uevent(ev uevent) {
	switch ev.Subsystem {
	case "drm":
		if d.card != nil && ev.Hotplug && filepath.Join(d.b.devRoot, ev.DevName) == d.card.Path {
			d.rescan()
		}
	case "input":
		if d.input != nil {
			d.input.uevent(ev)
		}
	}
}

// rescan compares the connectors with the outputs, adding and removing outputs as needed
func (d *drmDriver) rescan() {
	if d.cardLost || d.closed || d.b.state != Running {
		return
	}
	conns, err := d.kms.Connectors()
	if err != nil {
		d.b.log.WithError(err).Warnln("Connector rescan failed")
		return
	}
	byID := map[uint32]kmsConnector{}
	for _, conn := range conns {
		byID[conn.ID] = conn
	}
	for _, out := range d.b.Outputs() {
		conn, ok := byID[out.connector]
		if !ok || !conn.Connected {
			d.b.removeOutput(out)
			continue
		}
		delete(byID, out.connector)
		if mode := preferredMode(conn.Modes); mode.Width != out.Mode.Width || mode.Height != out.Mode.Height {
			out.Modes = conn.Modes
			out.Mode = mode
			out.modeSet = false
			d.b.emit(event.Event{Kind: event.OutputModeChanged, Output: out.Name})
		}
	}
	for _, conn := range conns {
		if _, fresh := byID[conn.ID]; fresh && conn.Connected && conn.Crtc != 0 {
			d.b.addOutput(outputFromConnector(conn))
		}
	}
}

func (d *drmDriver) shutdown() {
	if !d.cardLost && d.kms != nil {
		for _, out := range d.b.outputs {
			if out.modeSet {
				if err := d.kms.DisableCrtc(out.crtc); err != nil {
					d.b.log.WithError(err).WithField("output", out.Name).Debugln("Disabling CRTC failed")
				}
			}
		}
		for key, fb := range d.fbs {
			d.kms.RemoveFB(fb)
			delete(d.fbs, key)
		}
	}
	d.closed = true
	// Readers hold borrowed descriptors, they must be gone before those go back
	d.b.readers.Wait()
	if d.input != nil {
		d.input.shutdown()
	}
	if d.card != nil && d.b.session != nil && !d.card.Lost() {
		if err := d.b.session.ReleaseDevice(d.card); err != nil {
			d.b.log.WithError(err).Debugln("Releasing card failed")
		}
	}
}

func (d *drmDriver) renderDevice() string {
	if d.card == nil {
		return ""
	}
	// Prefer the render node of the same GPU
	nodes, _ := filepath.Glob(filepath.Join("/sys/dev/char", d.card.ID.String(), "device/drm/renderD*"))
	if len(nodes) > 0 {
		sort.Strings(nodes)
		return "/dev/dri/" + filepath.Base(nodes[0])
	}
	return d.card.Path
}

// watchUevents forwards kernel device notifications onto the loop.
// Without uevents the backend still works, it just won't see hotplug
func watchUevents(b *Backend, open func() (ueventSource, error), handle func(uevent)) {
	src, err := open()
	if err != nil {
		b.log.WithError(err).Warnln("No hotplug notifications")
		return
	}
	b.goReader(func(stop <-chan struct{}) {
		src.watch(stop, func(ev uevent) {
			if ev.Subsystem != "drm" && ev.Subsystem != "input" {
				return
			}
			b.loop.Post(func() {
				if b.state == Running || b.state == Suspended {
					handle(ev)
				}
			})
		})
	})
}

func (d *drmDriver) String() string {
	if d.card == nil {
		return "drm"
	}
	return "drm " + strings.TrimPrefix(d.card.Path, "/dev/")
}
