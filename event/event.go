// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package event defines what backends and the session report upstream,
// and the multiplexer merging all of it into one ordered stream
package event

import (
	"fmt"
	"time"

	"github.com/mstarongithub/w2gcore/util/multiplexer"
)

type Kind int

const (
	OutputAdded Kind = iota
	OutputRemoved
	OutputModeChanged
	InputAdded
	InputRemoved
	// A key, button, motion or axis event from an input device
	Input
	// A frame reached the screen
	FramePresented
	// A frame could not be committed
	FrameFailed
	BackendSuspended
	BackendResumed
	// The device backing the whole backend is gone. Terminal
	BackendLost
	SessionSuspended
	SessionResumed
	SessionDeviceLost
	// The seat claim is gone. Terminal
	SessionLost
)

var kindNames = map[Kind]string{
	OutputAdded:       "output-added",
	OutputRemoved:     "output-removed",
	OutputModeChanged: "output-mode-changed",
	InputAdded:        "input-added",
	InputRemoved:      "input-removed",
	Input:             "input",
	FramePresented:    "frame-presented",
	FrameFailed:       "frame-failed",
	BackendSuspended:  "backend-suspended",
	BackendResumed:    "backend-resumed",
	BackendLost:       "backend-lost",
	SessionSuspended:  "session-suspended",
	SessionResumed:    "session-resumed",
	SessionDeviceLost: "session-device-lost",
	SessionLost:       "session-lost",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether the event means the emitting component can't continue
func (k Kind) Terminal() bool {
	return k == BackendLost || k == SessionLost
}

// InputPayload mirrors an evdev event
type InputPayload struct {
	Type  uint16
	Code  uint16
	Value int32
	// Absolute position for pointer motion on nested backends, in output pixels
	X, Y float64
}

type Event struct {
	Source string
	Kind   Kind
	// Monotonic timestamp taken by the source when the event arrived there
	Time    time.Duration
	Output  string
	Input   string
	Device  string
	Payload *InputPayload
	Err     error
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s @%s", e.Source, e.Kind, e.Time)
	if e.Output != "" {
		s += " output=" + e.Output
	}
	if e.Input != "" {
		s += " input=" + e.Input
	}
	if e.Device != "" {
		s += " device=" + e.Device
	}
	if e.Payload != nil {
		s += fmt.Sprintf(" type=%d code=%d value=%d", e.Payload.Type, e.Payload.Code, e.Payload.Value)
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

// Sink accepts events. *multiplexer.Sender[Event] is the usual one
type Sink interface {
	Send(Event) error
}

type (
	Mux      = multiplexer.ManyToOne[Event]
	Envelope = multiplexer.Envelope[Event]
)

// NewMux creates the multiplexer the compositor core reads from
func NewMux() *Mux {
	return multiplexer.NewManyToOne[Event]()
}

// Clock hands out strictly increasing timestamps relative to its creation
type Clock struct {
	start time.Time
	last  time.Duration
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Now() time.Duration {
	now := time.Since(c.start)
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Discard is a sink dropping everything
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(Event) error { return nil }
