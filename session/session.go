// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session owns the device descriptors and the VT/seat claim of the process.
// It outlives backends: a backend borrows devices from it and hands them back on stop
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/loop"
	"github.com/sirupsen/logrus"
)

type State int

const (
	Inactive State = iota
	Acquiring
	Active
	Suspended
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Acquiring:
		return "acquiring"
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener gets told about session changes. The active backend is the usual listener.
// All calls happen on the dispatch loop
type Listener interface {
	// Called before device access gets muted
	SessionSuspended()
	// Called after devices got restored and lost ones were reported
	SessionResumed()
	// A device went away. It's unusable from now on
	SessionDeviceLost(dev *Device)
	// The seat claim is gone for good
	SessionLost(err error)
}

// Only one session may be alive per process
var live atomic.Bool

type Options struct {
	Seat     Seat
	Registry capability.Registry
	// Where state changes get reported. Defaults to dropping them
	Events event.Sink
}

type Manager struct {
	ID        uuid.UUID
	seat      Seat
	state     State
	devices   []*Device
	listeners []Listener
	events    event.Sink
	clock     *event.Clock
	stopWatch chan struct{}
	log       *logrus.Entry
}

// New creates the session of this process.
// Fails if another session is still alive, or if the seat needs a capability that isn't built in
func New(opts Options) (*Manager, error) {
	if opts.Seat == nil {
		return nil, errors.New("session needs a seat")
	}
	if opts.Seat.ClaimsVT() {
		if err := opts.Registry.Require(capability.Session, "seat "+opts.Seat.Name()); err != nil {
			return nil, err
		}
	}
	if !live.CompareAndSwap(false, true) {
		return nil, &errs.SessionError{Op: "create", Err: errs.ErrSessionExists}
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	id := uuid.New()
	return &Manager{
		ID:     id,
		seat:   opts.Seat,
		state:  Inactive,
		events: opts.Events,
		clock:  event.NewClock(),
		log: logrus.WithFields(logrus.Fields{
			"component": "session",
			"seat":      opts.Seat.Name(),
			"session":   id,
		}),
	}, nil
}

func (m *Manager) State() State { return m.state }

func (m *Manager) SeatName() string { return m.seat.Name() }

// Devices returns the devices currently held
func (m *Manager) Devices() []*Device {
	out := make([]*Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// AddListener registers l for session notifications
func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// RemoveListener drops l again. Unknown listeners are ignored
func (m *Manager) RemoveListener(l Listener) {
	for i, other := range m.listeners {
		if other == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Acquire claims the seat on first use and opens the given device nodes.
// Paths that are already open return the device held for them.
// If anything fails, everything opened by this call gets closed again, and a first
// acquisition falls back to Inactive
func (m *Manager) Acquire(ctx context.Context, paths ...string) ([]*Device, error) {
	first := false
	switch m.state {
	case Inactive:
		m.state = Acquiring
		first = true
		m.log.Debugln("Claiming seat")
		if err := m.seat.Claim(ctx); err != nil {
			m.state = Inactive
			return nil, &errs.SessionError{Op: "claim seat", Err: err}
		}
	case Active:
	default:
		return nil, &errs.SessionError{
			Op:  "acquire",
			Err: fmt.Errorf("%w: session is %s", errs.ErrInvalidTransition, m.state),
		}
	}

	opened := []*Device{}
	out := make([]*Device, 0, len(paths))
	for _, path := range paths {
		if dev := m.find(path); dev != nil {
			out = append(out, dev)
			continue
		}
		if err := ctx.Err(); err != nil {
			m.abortAcquire(opened, first)
			return nil, &errs.SessionError{Op: "acquire", Err: err}
		}
		fd, id, err := m.seat.OpenDevice(path)
		if err != nil {
			m.abortAcquire(opened, first)
			return nil, &errs.SessionError{Op: "open " + path, Err: err}
		}
		dev := &Device{Path: path, ID: id, fd: fd}
		m.devices = append(m.devices, dev)
		opened = append(opened, dev)
		out = append(out, dev)
		m.log.WithFields(logrus.Fields{"path": path, "device": id}).Debugln("Opened device")
	}
	if first {
		m.state = Active
		m.log.Infoln("Session active")
	}
	return out, nil
}

func (m *Manager) abortAcquire(opened []*Device, first bool) {
	for _, dev := range opened {
		m.closeDevice(dev)
	}
	if first {
		if err := m.seat.Release(); err != nil {
			m.log.WithError(err).Warnln("Releasing seat after failed acquisition")
		}
		m.state = Inactive
	}
}

// ReleaseDevice closes a device a backend doesn't need anymore
func (m *Manager) ReleaseDevice(dev *Device) error {
	if !m.owns(dev) {
		return &errs.SessionError{Op: "release device", Err: errs.ErrNotOwned}
	}
	m.closeDevice(dev)
	return nil
}

// Suspend mutes device access after a VT switch away.
// Listeners get told first so they stop touching devices before they get paused
func (m *Manager) Suspend() error {
	if m.state != Active {
		return &errs.SessionError{
			Op:  "suspend",
			Err: fmt.Errorf("%w: session is %s", errs.ErrInvalidTransition, m.state),
		}
	}
	m.state = Suspended
	m.notify(func(l Listener) { l.SessionSuspended() })
	for _, dev := range m.devices {
		fd, err := m.seat.Pause(dev.fd, dev.ID)
		if err != nil {
			m.log.WithError(err).WithField("path", dev.Path).Warnln("Pausing device failed")
		}
		dev.fd = fd
		dev.paused = true
	}
	m.emit(event.Event{Kind: event.SessionSuspended})
	m.log.Infoln("Session suspended")
	return nil
}

// Resume restores device access after a VT switch back.
// Every device must come back with the same identity, the ones that don't are reported
// lost to the listeners, which treat them like an unplug
func (m *Manager) Resume() error {
	if m.state != Suspended {
		return &errs.SessionError{
			Op:  "resume",
			Err: fmt.Errorf("%w: session is %s", errs.ErrInvalidTransition, m.state),
		}
	}
	lost := []*Device{}
	for _, dev := range m.devices {
		fd, id, err := m.seat.Resume(dev.Path, dev.fd, dev.ID)
		switch {
		case err != nil:
			m.log.WithError(err).WithField("path", dev.Path).Warnln("Device did not come back")
			dev.fd = -1
			lost = append(lost, dev)
		case id != dev.ID:
			m.log.WithFields(logrus.Fields{
				"path":     dev.Path,
				"expected": dev.ID,
				"found":    id,
			}).Warnln("Device came back with a different identity")
			if cerr := m.seat.CloseDevice(fd, id); cerr != nil {
				m.log.WithError(cerr).Warnln("Closing mismatched device")
			}
			dev.fd = -1
			lost = append(lost, dev)
		default:
			dev.fd = fd
			dev.paused = false
		}
	}
	m.state = Active
	for _, dev := range lost {
		m.dropLost(dev)
	}
	m.notify(func(l Listener) { l.SessionResumed() })
	m.emit(event.Event{Kind: event.SessionResumed})
	m.log.WithField("lost", len(lost)).Infoln("Session resumed")
	return nil
}

// Close releases every device and the seat claim. Calling it again is a no-op.
// Listeners get told the session is lost while their devices are still open
func (m *Manager) Close() error {
	return m.close(&errs.SessionError{Op: "close", Err: errs.ErrDestroyed})
}

func (m *Manager) close(reason error) error {
	if m.state == Closing || m.state == Closed {
		return nil
	}
	wasClaimed := m.state != Inactive
	m.state = Closing
	if m.stopWatch != nil {
		close(m.stopWatch)
		m.stopWatch = nil
	}
	m.notify(func(l Listener) { l.SessionLost(reason) })
	for len(m.devices) > 0 {
		m.closeDevice(m.devices[0])
	}
	var err error
	if wasClaimed {
		if rerr := m.seat.Release(); rerr != nil {
			err = &errs.SessionError{Op: "release seat", Err: rerr}
		}
	}
	m.state = Closed
	m.listeners = nil
	live.Store(false)
	m.log.Infoln("Session closed")
	return err
}

// SwitchVT asks the seat to switch to another VT. The actual suspend follows as a seat signal
func (m *Manager) SwitchVT(vt int) error {
	if m.state != Active {
		return &errs.SessionError{Op: "switch vt", Err: fmt.Errorf("%w: session is %s", errs.ErrInvalidTransition, m.state)}
	}
	if err := m.seat.SwitchVT(vt); err != nil {
		return &errs.SessionError{Op: "switch vt", Err: err}
	}
	return nil
}

// Watch forwards seat signals onto the dispatch loop until the session closes
func (m *Manager) Watch(l *loop.Loop) {
	signals := m.seat.Signals()
	if signals == nil || m.stopWatch != nil {
		return
	}
	stop := make(chan struct{})
	m.stopWatch = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-signals:
				if !ok {
					l.Post(func() {
						m.HandleSignal(Signal{Kind: SignalLost, Err: errs.ErrSeatUnavailable})
					})
					return
				}
				l.Post(func() { m.HandleSignal(sig) })
			}
		}
	}()
}

// HandleSignal applies one seat signal. Must run on the dispatch loop
func (m *Manager) HandleSignal(sig Signal) {
	log := m.log.WithField("signal", sig.Kind)
	switch sig.Kind {
	case SignalDisable:
		if m.state == Active {
			if err := m.Suspend(); err != nil {
				log.WithError(err).Warnln("Suspend on VT switch failed")
			}
		}
	case SignalEnable:
		if m.state == Suspended {
			if err := m.Resume(); err != nil {
				log.WithError(err).Warnln("Resume on VT switch failed")
			}
		}
	case SignalDeviceGone:
		for _, dev := range m.devices {
			if dev.ID == sig.Device {
				if err := m.seat.CloseDevice(dev.fd, dev.ID); err != nil && dev.fd >= 0 {
					log.WithError(err).Debugln("Closing gone device")
				}
				dev.fd = -1
				m.dropLost(dev)
				return
			}
		}
	case SignalLost:
		if m.state == Closed || m.state == Closing {
			return
		}
		err := &errs.SessionError{Op: "seat", Err: sig.Err}
		log.WithError(err).Errorln("Seat lost")
		m.emit(event.Event{Kind: event.SessionLost, Err: err})
		if cerr := m.close(err); cerr != nil {
			log.WithError(cerr).Warnln("Closing lost session")
		}
	}
}

func (m *Manager) dropLost(dev *Device) {
	dev.lost = true
	m.remove(dev)
	m.emit(event.Event{Kind: event.SessionDeviceLost, Device: dev.Path})
	m.notify(func(l Listener) { l.SessionDeviceLost(dev) })
}

// notify calls fn for every listener. Listeners may unregister themselves from within fn
func (m *Manager) notify(fn func(Listener)) {
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	for _, l := range listeners {
		fn(l)
	}
}

func (m *Manager) closeDevice(dev *Device) {
	if dev.fd >= 0 {
		if err := m.seat.CloseDevice(dev.fd, dev.ID); err != nil {
			m.log.WithError(err).WithField("path", dev.Path).Warnln("Closing device failed")
		}
	}
	dev.fd = -1
	dev.lost = true
	m.remove(dev)
	m.log.WithField("path", dev.Path).Debugln("Closed device")
}

func (m *Manager) remove(dev *Device) {
	for i, other := range m.devices {
		if other == dev {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

func (m *Manager) find(path string) *Device {
	for _, dev := range m.devices {
		if dev.Path == path {
			return dev
		}
	}
	return nil
}

func (m *Manager) owns(dev *Device) bool {
	for _, other := range m.devices {
		if other == dev {
			return true
		}
	}
	return false
}

func (m *Manager) emit(e event.Event) {
	e.Source = "session"
	e.Time = m.clock.Now()
	if err := m.events.Send(e); err != nil {
		m.log.WithError(err).WithField("event", e.Kind).Warnln("Event not accepted")
	}
}
