// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package capability

import (
	"strings"
	"sync"

	"github.com/mstarongithub/w2gcore/common/errs"
)

// Registry is an immutable record of which variants are available.
// The zero value supports nothing.
// Pass it by value or pointer to whoever needs to ask, it never changes after construction
type Registry struct {
	bits uint16
}

// New builds a registry supporting exactly the given flags
func New(flags ...Flag) Registry {
	var r Registry
	for _, f := range flags {
		if f.Valid() {
			r.bits |= 1 << f
		}
	}
	return r
}

// IsSupported reports whether the variant gated by f was built in
func (r Registry) IsSupported(f Flag) bool {
	return f.Valid() && r.bits&(1<<f) != 0
}

// Require returns a ConfigurationError naming component if f is not supported
func (r Registry) Require(f Flag, component string) error {
	if r.IsSupported(f) {
		return nil
	}
	return &errs.ConfigurationError{
		Component: component,
		Variant:   f.String(),
		Reason:    "not compiled in",
	}
}

// Flags lists all supported flags in declaration order
func (r Registry) Flags() []Flag {
	out := []Flag{}
	for _, f := range All() {
		if r.IsSupported(f) {
			out = append(out, f)
		}
	}
	return out
}

func (r Registry) String() string {
	names := []string{}
	for _, f := range r.Flags() {
		names = append(names, f.String())
	}
	return strings.Join(names, ",")
}

// Set by the linker to drop flags from the compiled set:
//
//	go build -ldflags "-X github.com/mstarongithub/w2gcore/capability.disabled=vulkan-renderer,xwayland"
var disabled string

var (
	compiledOnce sync.Once
	compiled     Registry
)

// Compiled returns the registry describing this build.
// The result is computed once and identical for the whole process lifetime
func Compiled() Registry {
	compiledOnce.Do(func() {
		flags := []Flag{}
		for _, f := range builtIn {
			if !isDisabled(f) {
				flags = append(flags, f)
			}
		}
		compiled = New(flags...)
	})
	return compiled
}

func isDisabled(f Flag) bool {
	for _, name := range strings.Split(disabled, ",") {
		if strings.TrimSpace(name) == f.String() {
			return true
		}
	}
	return false
}
