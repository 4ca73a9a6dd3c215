// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpu describes the device a renderer binds to and runs its work queue
package gpu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/sirupsen/logrus"
)

var (
	sysfsRoot = "/sys"
	icdDirs   = []string{"/usr/share/vulkan/icd.d", "/etc/vulkan/icd.d", "/usr/local/share/vulkan/icd.d"}
)

// Kernel driver name -> Vulkan ICD manifest prefix
var vulkanDrivers = map[string]string{
	"i915":       "intel",
	"xe":         "intel",
	"amdgpu":     "radeon",
	"radeon":     "radeon",
	"nouveau":    "nouveau",
	"virtio_gpu": "virtio",
	"msm":        "freedreno",
	"panfrost":   "panfrost",
	"v3d":        "broadcom",
}

// Drivers able to import buffers with explicit modifiers
var explicitModifierDrivers = map[string]bool{
	"i915":   true,
	"xe":     true,
	"amdgpu": true,
}

// Identity names the device a renderer context is bound to
type Identity struct {
	// Device node, empty for devices without one
	Path   string
	ID     session.DeviceID
	Driver string
	// PCI vendor id, 0 if unknown
	Vendor uint32
}

func (i Identity) String() string {
	if i.Path == "" {
		return i.Driver
	}
	return fmt.Sprintf("%s (%s, %s)", i.Path, i.Driver, i.ID)
}

type Features struct {
	// A Vulkan implementation for the device is installed
	Vulkan bool
	// Buffers with explicit modifiers can be imported
	ExplicitModifiers bool
	// Importable formats, each with the modifiers it can be sampled with
	Formats map[buffer.Format][]buffer.Modifier
}

// Supports reports whether format can be imported with modifier
func (f Features) Supports(format buffer.Format, modifier buffer.Modifier) bool {
	for _, m := range f.Formats[format] {
		if m == modifier {
			return true
		}
	}
	return false
}

type Device struct {
	Identity
	Features Features

	queue *Queue
	log   *logrus.Entry
}

// Open probes the device node at path through sysfs. The node itself isn't opened,
// descriptors stay with the session
func Open(path string) (*Device, error) {
	id, err := session.IdentifyPath(path)
	if err != nil {
		return nil, &errs.DeviceError{Path: path, Op: "probe", Err: err}
	}
	if id.Major != session.MajorDRM {
		return nil, &errs.DeviceError{Path: path, Op: "probe", Err: fmt.Errorf("%s is not a DRM device", id)}
	}
	identity, features := probe(path, id)
	return newDevice(identity, features), nil
}

// NewHeadless creates a device without hardware behind it, able to import every known
// format linear or implicit
func NewHeadless(vulkan bool) *Device {
	mods := []buffer.Modifier{buffer.Linear, buffer.Invalid}
	formats := map[buffer.Format][]buffer.Modifier{}
	for _, format := range buffer.Formats() {
		formats[format] = mods
	}
	return newDevice(Identity{Driver: "headless"}, Features{Vulkan: vulkan, Formats: formats})
}

// NewDevice creates a device from already known properties
func NewDevice(identity Identity, features Features) *Device {
	return newDevice(identity, features)
}

func newDevice(identity Identity, features Features) *Device {
	d := &Device{
		Identity: identity,
		Features: features,
		log:      logrus.WithFields(logrus.Fields{"component": "gpu", "device": identity.String()}),
	}
	d.log.WithFields(logrus.Fields{
		"vulkan":             features.Vulkan,
		"explicit_modifiers": features.ExplicitModifiers,
		"formats":            len(features.Formats),
	}).Infoln("GPU device ready")
	return d
}

// Queue returns the execution queue of the device, starting it on first use
func (d *Device) Queue() *Queue {
	if d.queue == nil {
		d.queue = NewQueue(d.Identity.String())
	}
	return d.queue
}

// Close stops the execution queue, canceling queued work
func (d *Device) Close() {
	if d.queue != nil {
		d.queue.Close()
		d.queue = nil
	}
}

func probe(path string, id session.DeviceID) (Identity, Features) {
	identity := Identity{Path: path, ID: id, Driver: "unknown"}
	devDir := filepath.Join(sysfsRoot, "dev", "char", id.String(), "device")
	if target, err := filepath.EvalSymlinks(filepath.Join(devDir, "driver")); err == nil {
		identity.Driver = filepath.Base(target)
	}
	if raw, err := os.ReadFile(filepath.Join(devDir, "vendor")); err == nil {
		if v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"), 16, 32); err == nil {
			identity.Vendor = uint32(v)
		}
	}

	features := Features{
		Vulkan:            hasVulkanICD(identity.Driver),
		ExplicitModifiers: explicitModifierDrivers[identity.Driver],
		Formats:           map[buffer.Format][]buffer.Modifier{},
	}
	for _, format := range buffer.Formats() {
		mods := []buffer.Modifier{buffer.Linear, buffer.Invalid}
		if identity.Vendor == 0x8086 && format.BytesPerPixel() == 4 {
			mods = append(mods, buffer.IntelXTiled, buffer.IntelYTiled)
		}
		features.Formats[format] = mods
	}
	return identity, features
}

func hasVulkanICD(driver string) bool {
	prefix, ok := vulkanDrivers[driver]
	if !ok {
		return false
	}
	for _, dir := range icdDirs {
		matches, _ := filepath.Glob(filepath.Join(dir, prefix+"_icd*.json"))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}
