// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package capability

import "fmt"

// Flag names one optional piece of the library that may or may not have been built in
type Flag uint16

const (
	// DRM-based direct display backend
	DRMBackend Flag = iota
	// libinput-sourced input devices
	LibinputBackend
	// Backend nested inside an X11 server
	X11Backend
	GLES2Renderer
	VulkanRenderer
	GBMAllocator
	UdmabufAllocator
	// Whether the Xwayland bridge may be attached
	Xwayland
	// VT/seat claim through a seat service
	Session
	// ICC profiles on outputs and the color pipeline
	ColorManagement

	flagCount
)

var flagNames = [flagCount]string{
	DRMBackend:       "drm-backend",
	LibinputBackend:  "libinput-backend",
	X11Backend:       "x11-backend",
	GLES2Renderer:    "gles2-renderer",
	VulkanRenderer:   "vulkan-renderer",
	GBMAllocator:     "gbm-allocator",
	UdmabufAllocator: "udmabuf-allocator",
	Xwayland:         "xwayland",
	Session:          "session",
	ColorManagement:  "color-management",
}

func (f Flag) String() string {
	if f >= flagCount {
		return fmt.Sprintf("flag(%d)", uint16(f))
	}
	return flagNames[f]
}

// Valid reports whether f is one of the known flags
func (f Flag) Valid() bool {
	return f < flagCount
}

// All returns every known flag in declaration order
func All() []Flag {
	flags := make([]Flag, 0, flagCount)
	for f := Flag(0); f < flagCount; f++ {
		flags = append(flags, f)
	}
	return flags
}

// Parse maps a flag name like "drm-backend" back to its Flag
func Parse(name string) (Flag, error) {
	for f, n := range flagNames {
		if n == name {
			return Flag(f), nil
		}
	}
	return 0, fmt.Errorf("unknown capability flag %q", name)
}
