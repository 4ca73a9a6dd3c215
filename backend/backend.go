// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backend drives the display and input hardware (or a nested X11 session).
// The caller picks exactly one variant, there is no automatic selection here
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/mstarongithub/w2gcore/bridge"
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/loop"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/sirupsen/logrus"
)

type Variant string

const (
	DRM      Variant = "drm"
	Libinput Variant = "libinput"
	X11      Variant = "x11"
)

func (v Variant) Flag() (capability.Flag, bool) {
	switch v {
	case DRM:
		return capability.DRMBackend, true
	case Libinput:
		return capability.LibinputBackend, true
	case X11:
		return capability.X11Backend, true
	default:
		return 0, false
	}
}

type Options struct {
	Loop *loop.Loop
	// Receives every backend event. Defaults to dropping them
	Events event.Sink

	// DRM card node, empty picks the first one found
	Card string
	// Input nodes to pick up, defaults to /dev/input/event*
	InputGlob string

	// X11 display, empty uses $DISPLAY
	Display string
	// One nested window per entry
	Windows []Mode
}

// driver is the variant specific part of a backend. All calls happen on the dispatch loop
type driver interface {
	// Probe and open the devices, register the initial outputs and inputs
	start(ctx context.Context) error
	// Put b on screen. Completion gets reported through Backend.flipped
	commit(out *Output, b *buffer.Buffer) error
	// b left the screen of out
	retire(out *Output, b *buffer.Buffer)
	// Stop/restart device access around a session suspend
	pause()
	resume()
	deviceLost(dev *session.Device)
	// Release everything, the reader goroutines must be gone when this returns
	shutdown()
	renderDevice() string
}

// Backend owns the outputs and inputs of one variant.
// Everything but the constructor must be called from the dispatch loop
type Backend struct {
	variant Variant
	reg     capability.Registry
	opts    Options
	loop    *loop.Loop
	events  event.Sink
	clock   *event.Clock
	drv     driver

	state   State
	session *session.Manager
	outputs []*Output
	inputs  []*InputDevice
	nextID  uint32

	// Where uevent device names are resolved
	devRoot string

	// Closed on shutdown, stops every reader goroutine
	stop    chan struct{}
	readers sync.WaitGroup

	log *logrus.Entry
}

// New creates a backend of the given variant.
// Fails with a ConfigurationError, before touching any device, if the variant isn't compiled in
func New(reg capability.Registry, variant Variant, opts Options) (*Backend, error) {
	flag, ok := variant.Flag()
	if !ok {
		return nil, &errs.ConfigurationError{Component: "backend", Variant: string(variant), Reason: "unknown variant"}
	}
	if err := reg.Require(flag, "backend"); err != nil {
		return nil, err
	}
	if opts.Loop == nil {
		return nil, fmt.Errorf("backend %s needs a dispatch loop", variant)
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	if opts.InputGlob == "" {
		opts.InputGlob = "/dev/input/event*"
	}
	b := &Backend{
		variant: variant,
		reg:     reg,
		opts:    opts,
		loop:    opts.Loop,
		events:  opts.Events,
		clock:   event.NewClock(),
		state:   Uninitialized,
		devRoot: "/dev",
		stop:    make(chan struct{}),
		log:     logrus.WithFields(logrus.Fields{"component": "backend", "variant": variant}),
	}
	switch variant {
	case DRM:
		b.drv = newDRMDriver(b)
	case Libinput:
		b.drv = newLibinputDriver(b)
	case X11:
		b.drv = newX11Driver(b)
	}
	return b, nil
}

func (b *Backend) Variant() Variant { return b.variant }
func (b *Backend) State() State     { return b.state }
func (b *Backend) Running() bool    { return b.state == Running }

// Outputs returns the outputs currently plugged in
func (b *Backend) Outputs() []*Output {
	out := make([]*Output, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// Inputs returns the input devices currently plugged in
func (b *Backend) Inputs() []*InputDevice {
	out := make([]*InputDevice, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// BridgeOutputs returns the outputs as bridge handles
func (b *Backend) BridgeOutputs() []bridge.Output {
	out := make([]bridge.Output, 0, len(b.outputs))
	for _, o := range b.outputs {
		out = append(out, o)
	}
	return out
}

// RenderDevice names the device node a renderer should bind to, "" if any will do
func (b *Backend) RenderDevice() string {
	if b.state != Running && b.state != Suspended {
		return ""
	}
	return b.drv.renderDevice()
}

// CardPath returns the display card node the backend scans out on, "" without one
func (b *Backend) CardPath() string {
	if d, ok := b.drv.(*drmDriver); ok && d.card != nil {
		return d.card.Path
	}
	return ""
}

// Start probes the devices and enumerates the initial outputs and inputs.
// A failure is final for this backend, a retry needs a new one
func (b *Backend) Start(ctx context.Context, sess *session.Manager) error {
	if err := b.transition(Starting); err != nil {
		return err
	}
	b.session = sess
	if err := b.drv.start(ctx); err != nil {
		b.log.WithError(err).Errorln("Backend failed to start")
		b.teardown()
		if _, ok := err.(*errs.DeviceError); !ok {
			err = &errs.DeviceError{Op: "start " + string(b.variant), Err: err}
		}
		return err
	}
	if sess != nil {
		sess.AddListener(b)
	}
	b.transition(Running)
	for _, o := range b.outputs {
		b.emit(event.Event{Kind: event.OutputAdded, Output: o.Name})
	}
	for _, d := range b.inputs {
		b.emit(event.Event{Kind: event.InputAdded, Input: d.Name, Device: d.Path})
	}
	b.log.WithFields(logrus.Fields{
		"outputs": len(b.outputs),
		"inputs":  len(b.inputs),
	}).Infoln("Backend running")
	return nil
}

// Stop cancels pending presentations and releases every device.
// Stopping a destroyed backend is a no-op
func (b *Backend) Stop() error {
	if b.state == Destroyed {
		return nil
	}
	if b.state == Uninitialized {
		return fmt.Errorf("%w: backend never started", errs.ErrInvalidTransition)
	}
	b.teardown()
	b.log.Infoln("Backend stopped")
	return nil
}

func (b *Backend) teardown() {
	if err := b.transition(Destroying); err != nil {
		b.log.WithError(err).Warnln("Teardown from unexpected state")
		return
	}
	if b.session != nil {
		b.session.RemoveListener(b)
	}
	close(b.stop)
	b.drv.shutdown()
	b.readers.Wait()
	// Scanout stopped, the buffers can go
	for _, o := range b.outputs {
		b.cancelFrames(o, errs.ErrCanceled)
		b.retireCurrent(o)
	}
	b.outputs = nil
	b.inputs = nil
	b.transition(Destroyed)
}

// goReader runs fn on its own goroutine until the backend shuts down
func (b *Backend) goReader(fn func(stop <-chan struct{})) {
	b.readers.Add(1)
	go func() {
		defer b.readers.Done()
		fn(b.stop)
	}()
}

func (b *Backend) allocID() uint32 {
	b.nextID++
	return b.nextID
}

func (b *Backend) emit(e event.Event) {
	e.Source = string(b.variant)
	e.Time = b.clock.Now()
	if err := b.events.Send(e); err != nil {
		b.log.WithError(err).WithField("event", e.Kind).Warnln("Event not accepted")
	}
}

// addOutput registers o. Events for outputs found during start go out once the backend runs
func (b *Backend) addOutput(o *Output) {
	o.ID = b.allocID()
	b.outputs = append(b.outputs, o)
	b.log.WithField("output", o).Infoln("Output added")
	if b.state == Running || b.state == Suspended {
		b.emit(event.Event{Kind: event.OutputAdded, Output: o.Name})
	}
}

// removeOutput handles a hot-unplug. The backend state stays as it is
func (b *Backend) removeOutput(o *Output) {
	for i, other := range b.outputs {
		if other != o {
			continue
		}
		b.outputs = append(b.outputs[:i], b.outputs[i+1:]...)
		o.gone = true
		b.cancelFrames(o, errs.ErrOutputGone)
		b.retireCurrent(o)
		b.log.WithField("output", o).Infoln("Output removed")
		b.emit(event.Event{Kind: event.OutputRemoved, Output: o.Name})
		return
	}
}

func (b *Backend) addInput(d *InputDevice) {
	d.ID = b.allocID()
	b.inputs = append(b.inputs, d)
	b.log.WithField("input", d).Infoln("Input device added")
	if b.state == Running || b.state == Suspended {
		b.emit(event.Event{Kind: event.InputAdded, Input: d.Name, Device: d.Path})
	}
}

func (b *Backend) removeInput(d *InputDevice) {
	for i, other := range b.inputs {
		if other != d {
			continue
		}
		b.inputs = append(b.inputs[:i], b.inputs[i+1:]...)
		d.gone = true
		b.log.WithField("input", d).Infoln("Input device removed")
		b.emit(event.Event{Kind: event.InputRemoved, Input: d.Name, Device: d.Path})
		return
	}
}

func (b *Backend) emitInput(d *InputDevice, payload event.InputPayload) {
	if d.gone || b.state != Running {
		return
	}
	p := payload
	b.emit(event.Event{Kind: event.Input, Input: d.Name, Device: d.Path, Payload: &p})
}

// lost reports the loss of the device backing the whole backend. Outputs go away,
// what happens next is up to the caller
func (b *Backend) lost(err error) {
	for len(b.outputs) > 0 {
		b.removeOutput(b.outputs[0])
	}
	b.log.WithError(err).Errorln("Backend lost")
	b.emit(event.Event{Kind: event.BackendLost, Err: err})
}

// SessionSuspended pauses device access, keeping outputs and inputs
func (b *Backend) SessionSuspended() {
	if err := b.transition(Suspended); err != nil {
		b.log.WithError(err).Debugln("Ignoring session suspend")
		return
	}
	b.drv.pause()
	b.emit(event.Event{Kind: event.BackendSuspended})
}

// SessionResumed restores device access and re-issues held frames
func (b *Backend) SessionResumed() {
	if err := b.transition(Running); err != nil {
		b.log.WithError(err).Debugln("Ignoring session resume")
		return
	}
	b.drv.resume()
	b.emit(event.Event{Kind: event.BackendResumed})
	for _, o := range b.Outputs() {
		b.pump(o)
	}
}

func (b *Backend) SessionDeviceLost(dev *session.Device) {
	if b.state == Destroying || b.state == Destroyed {
		return
	}
	b.drv.deviceLost(dev)
}

// SessionLost stops the backend, it can't outlive its session
func (b *Backend) SessionLost(err error) {
	if b.state == Destroying || b.state == Destroyed {
		return
	}
	b.log.WithError(err).Warnln("Session lost, stopping")
	b.emit(event.Event{Kind: event.BackendLost, Err: err})
	b.Stop()
}
