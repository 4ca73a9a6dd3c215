package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/sirupsen/logrus"
)

// evdevDevice is an opened input node
type evdevDevice interface {
	Name() string
	Caps() InputCaps
	// Read hands over event frames until stop closes or reading fails
	Read(stop <-chan struct{}, frame func([]event.InputPayload)) error
}

type inputSource struct {
	dev   *session.Device
	evdev evdevDevice
	input *InputDevice
	// Both nil while no reader runs
	stop chan struct{}
	done chan struct{}
}

// inputManager runs the evdev devices for both the libinput and the drm backend
type inputManager struct {
	b         *Backend
	sources   []*inputSource
	openEvdev func(dev *session.Device) (evdevDevice, error)
	log       *logrus.Entry
}

func newInputManager(b *Backend) *inputManager {
	return &inputManager{
		b:         b,
		openEvdev: openEvdev,
		log:       b.log.WithField("part", "input"),
	}
}

// start opens every node matching the input glob. Single nodes may fail,
// but if there are nodes and none of them opens the whole thing fails
func (m *inputManager) start(ctx context.Context) error {
	if m.b.session == nil {
		return &errs.DeviceError{Op: "start input", Err: fmt.Errorf("needs a session")}
	}
	paths, err := filepath.Glob(m.b.opts.InputGlob)
	if err != nil {
		return &errs.DeviceError{Path: m.b.opts.InputGlob, Op: "find inputs", Err: err}
	}
	sort.Strings(paths)
	var last error
	for _, path := range paths {
		if err := m.add(ctx, path); err != nil {
			var serr *errs.SessionError
			if errors.As(err, &serr) && m.b.session.State() != session.Active {
				// The seat itself is unusable, no point in trying the others
				return &errs.DeviceError{Path: path, Op: "open", Err: err}
			}
			m.log.WithError(err).WithField("path", path).Warnln("Skipping input device")
			last = err
		}
	}
	if len(paths) > 0 && len(m.sources) == 0 {
		return &errs.DeviceError{Path: m.b.opts.InputGlob, Op: "open inputs", Err: last}
	}
	return nil
}

func (m *inputManager) add(ctx context.Context, path string) error {
	devs, err := m.b.session.Acquire(ctx, path)
	if err != nil {
		return err
	}
	dev := devs[0]
	ev, err := m.openEvdev(dev)
	if err != nil {
		m.b.session.ReleaseDevice(dev)
		return err
	}
	src := &inputSource{
		dev:   dev,
		evdev: ev,
		input: &InputDevice{Name: ev.Name(), Caps: ev.Caps(), Path: path},
	}
	m.sources = append(m.sources, src)
	m.b.addInput(src.input)
	m.startReader(src)
	return nil
}

func (m *inputManager) startReader(src *inputSource) {
	if src.stop != nil {
		return
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	src.stop, src.done = quit, done
	ev := src.evdev
	m.b.goReader(func(backendStop <-chan struct{}) {
		defer close(done)
		stop := make(chan struct{})
		go func() {
			select {
			case <-backendStop:
			case <-quit:
			}
			close(stop)
		}()
		err := ev.Read(stop, func(frame []event.InputPayload) {
			m.b.loop.Post(func() {
				for _, p := range frame {
					m.b.emitInput(src.input, p)
				}
			})
		})
		if err != nil {
			// Likely unplugged or revoked. Removal arrives through uevents or the session
			m.log.WithError(err).WithField("path", src.input.Path).Debugln("Input reader stopped")
		}
	})
}

func (m *inputManager) stopReader(src *inputSource) {
	if src.stop == nil {
		return
	}
	close(src.stop)
	<-src.done
	src.stop, src.done = nil, nil
}

func (m *inputManager) pause() {
	for _, src := range m.sources {
		m.stopReader(src)
	}
}

// resume reopens the event streams, the descriptors may have changed.
// Nodes plugged in while suspended get picked up here
func (m *inputManager) resume() {
	for _, src := range m.sources {
		if src.dev.Lost() {
			continue
		}
		ev, err := m.openEvdev(src.dev)
		if err != nil {
			m.log.WithError(err).WithField("path", src.input.Path).Warnln("Input device did not come back")
			continue
		}
		src.evdev = ev
		m.startReader(src)
	}
	m.rescan()
}

// rescan adds every node matching the input glob that isn't open yet
func (m *inputManager) rescan() {
	paths, err := filepath.Glob(m.b.opts.InputGlob)
	if err != nil {
		m.log.WithError(err).Warnln("Looking for new input devices failed")
		return
	}
	sort.Strings(paths)
	for _, path := range paths {
		if m.find(path) != nil {
			continue
		}
		if err := m.add(context.Background(), path); err != nil {
			m.log.WithError(err).WithField("path", path).Warnln("New input device unusable")
		}
	}
}

func (m *inputManager) find(path string) *inputSource {
	for _, src := range m.sources {
		if src.input.Path == path {
			return src
		}
	}
	return nil
}

func (m *inputManager) deviceLost(dev *session.Device) {
	for _, src := range m.sources {
		if src.dev == dev {
			m.remove(src, false)
			return
		}
	}
}

func (m *inputManager) remove(src *inputSource, release bool) {
	m.stopReader(src)
	for i, other := range m.sources {
		if other == src {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			break
		}
	}
	if release {
		if err := m.b.session.ReleaseDevice(src.dev); err != nil {
			m.log.WithError(err).Debugln("Releasing input device failed")
		}
	}
	m.b.removeInput(src.input)
}

func (m *inputManager) uevent(ev uevent) {
	if !strings.HasPrefix(ev.DevName, "input/event") {
		return
	}
	path := filepath.Join(m.b.devRoot, ev.DevName)
	if ok, _ := filepath.Match(m.b.opts.InputGlob, path); !ok {
		return
	}
	switch ev.Action {
	case "add":
		if m.find(path) != nil {
			return
		}
		if m.b.session.State() != session.Active {
			m.log.WithField("path", path).Debugln("Input device plugged in while suspended, adding it on resume")
			return
		}
		if err := m.add(context.Background(), path); err != nil {
			m.log.WithError(err).WithField("path", path).Warnln("Hotplugged input device unusable")
		}
	case "remove":
		if src := m.find(path); src != nil {
			m.remove(src, true)
		}
	}
}

func (m *inputManager) shutdown() {
	for _, src := range m.sources {
		m.stopReader(src)
	}
	for _, src := range m.sources {
		if m.b.session != nil && !src.dev.Lost() {
			m.b.session.ReleaseDevice(src.dev)
		}
	}
	m.sources = nil
}

// libinputDriver is the input only backend. It has no outputs
type libinputDriver struct {
	b           *Backend
	input       *inputManager
	openUevents func() (ueventSource, error)
}

func newLibinputDriver(b *Backend) *libinputDriver {
	return &libinputDriver{
		b:           b,
		input:       newInputManager(b),
		openUevents: func() (ueventSource, error) { return openUevents() },
	}
}

func (d *libinputDriver) start(ctx context.Context) error {
	if err := d.input.start(ctx); err != nil {
		d.input.shutdown()
		return err
	}
	watchUevents(d.b, d.openUevents, func(ev uevent) {
		if ev.Subsystem == "input" {
			d.input.uevent(ev)
		}
	})
	return nil
}

func (d *libinputDriver) commit(out *Output, _ *buffer.Buffer) error {
	return errs.ErrOutputGone
}

func (d *libinputDriver) retire(*Output, *buffer.Buffer) {}
func (d *libinputDriver) pause()                         { d.input.pause() }
func (d *libinputDriver) resume()                        { d.input.resume() }

func (d *libinputDriver) deviceLost(dev *session.Device) { d.input.deviceLost(dev) }

func (d *libinputDriver) shutdown() {
	d.b.readers.Wait()
	d.input.shutdown()
}

func (d *libinputDriver) renderDevice() string { return "" }
