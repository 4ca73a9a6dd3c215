// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package errs holds the error kinds shared by every part of the core.
// Match them with errors.As, the wrapped causes with errors.Is
package errs

import (
	"errors"
	"fmt"
)

var (
	// A state machine was asked for a transition it doesn't have
	ErrInvalidTransition = errors.New("invalid state transition")
	// A pending operation was dropped because its owner got destroyed
	ErrCanceled = errors.New("operation canceled")
	// A pending presentation was replaced by a newer one before reaching the screen
	ErrSuperseded = errors.New("superseded by a newer frame")
	// The output an operation targeted got unplugged
	ErrOutputGone = errors.New("output is gone")
	// Too many consecutive failures on one render context
	ErrContextLost = errors.New("render context lost")
	ErrNoContext   = errors.New("no render context")
	// The seat service could not be reached
	ErrSeatUnavailable = errors.New("seat service unavailable")
	ErrAccessDenied    = errors.New("access denied")
	ErrSessionExists   = errors.New("a session already exists in this process")
	ErrNotOwned        = errors.New("not owned by this component")
	ErrDestroyed       = errors.New("component destroyed")
)

// ConfigurationError means a variant was requested that isn't compiled in,
// or no usable pairing exists for the chosen backend. Never retried
type ConfigurationError struct {
	Component string
	Variant   string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %q: %s", e.Component, e.Variant, e.Reason)
}

// DeviceError is an open/probe/permission failure on a device.
// Fatal to the backend or output instance that hit it
type DeviceError struct {
	Path string
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// SessionError means the seat/VT is unavailable or was lost
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

type AllocationKind int

const (
	UnsupportedFormat AllocationKind = iota
	UnsupportedModifier
	OutOfMemory
	// Reported by renderers that cannot import a format/modifier pairing
	UnsupportedFormatOrModifier
)

func (k AllocationKind) String() string {
	switch k {
	case UnsupportedFormat:
		return "unsupported format"
	case UnsupportedModifier:
		return "unsupported modifier"
	case OutOfMemory:
		return "out of memory"
	case UnsupportedFormatOrModifier:
		return "unsupported format or modifier"
	default:
		return fmt.Sprintf("allocation kind %d", int(k))
	}
}

// AllocationError is reported per allocation (or import) call.
// Callers may retry with different parameters
type AllocationError struct {
	Kind     AllocationKind
	Format   fmt.Stringer
	Modifier uint64
	Err      error
}

func (e *AllocationError) Error() string {
	msg := "allocation: " + e.Kind.String()
	if e.Format != nil {
		msg += fmt.Sprintf(" (format %s, modifier 0x%x)", e.Format, e.Modifier)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error { return e.Err }

// RenderError covers context creation, import, composite and fence failures
type RenderError struct {
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render: %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IsKind reports whether err carries an AllocationError of the given kind
func IsKind(err error, kind AllocationKind) bool {
	var aerr *AllocationError
	return errors.As(err, &aerr) && aerr.Kind == kind
}
