// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package allocator produces shareable buffers and frees them once nobody uses them anymore
package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/loop"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrNoMemory is returned by providers that ran out of backing memory
var ErrNoMemory = errors.New("out of buffer memory")

// MaxBufferSize caps a single buffer, well above any scanout size
const MaxBufferSize = 1 << 32

type Variant string

const (
	GBM     Variant = "gbm"
	Udmabuf Variant = "udmabuf"
)

// Flag returns the capability gating the variant
func (v Variant) Flag() (capability.Flag, bool) {
	switch v {
	case GBM:
		return capability.GBMAllocator, true
	case Udmabuf:
		return capability.UdmabufAllocator, true
	default:
		return 0, false
	}
}

// Provider hands out the actual memory
type Provider interface {
	Name() string
	// Formats lists the supported formats with the modifiers each can be laid out with
	Formats() map[buffer.Format][]buffer.Modifier
	Allocate(attrs buffer.Attributes) (buffer.Memory, error)
}

// Allocator is the one active allocator of the process.
// All methods must be called from the dispatch loop
type Allocator struct {
	variant  Variant
	provider Provider
	loop     *loop.Loop

	formats   map[buffer.Format][]buffer.Modifier
	live      map[*buffer.Buffer]struct{}
	drained   map[*buffer.Buffer]struct{}
	destroyed bool

	log *logrus.Entry
}

// New creates an allocator of the given variant on top of provider.
// Fails with a ConfigurationError before touching the provider if the variant isn't compiled in
func New(reg capability.Registry, l *loop.Loop, variant Variant, provider Provider) (*Allocator, error) {
	flag, ok := variant.Flag()
	if !ok {
		return nil, &errs.ConfigurationError{
			Component: "allocator",
			Variant:   string(variant),
			Reason:    "unknown variant",
		}
	}
	if err := reg.Require(flag, "allocator"); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.New("allocator needs a memory provider")
	}
	formats := map[buffer.Format][]buffer.Modifier{}
	for format, mods := range provider.Formats() {
		if len(mods) == 0 {
			// Nothing to negotiate with
			continue
		}
		if variant == Udmabuf {
			// udmabuf memory is plain pages, nothing but linear layouts make sense
			if !containsModifier(mods, buffer.Linear) {
				continue
			}
			mods = []buffer.Modifier{buffer.Linear}
		}
		formats[format] = mods
	}
	a := &Allocator{
		variant:  variant,
		provider: provider,
		loop:     l,
		formats:  formats,
		live:     make(map[*buffer.Buffer]struct{}),
		drained:  make(map[*buffer.Buffer]struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "allocator",
			"variant":   variant,
			"provider":  provider.Name(),
		}),
	}
	a.log.Infoln("Allocator ready")
	return a, nil
}

func (a *Allocator) Variant() Variant { return a.variant }

// Formats returns what the allocator can produce
func (a *Allocator) Formats() map[buffer.Format][]buffer.Modifier {
	out := make(map[buffer.Format][]buffer.Modifier, len(a.formats))
	for format, mods := range a.formats {
		out[format] = append([]buffer.Modifier(nil), mods...)
	}
	return out
}

// Allocate creates a width x height buffer.
// The first of modifiers the allocator supports is used. An empty list leaves the layout
// to the allocator (implicit modifier)
func (a *Allocator) Allocate(width, height int, format buffer.Format, modifiers []buffer.Modifier) (*buffer.Buffer, error) {
	if a.destroyed {
		return nil, fmt.Errorf("allocate: %w", errs.ErrDestroyed)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d", width, height)
	}
	supported, ok := a.formats[format]
	if !ok {
		return nil, &errs.AllocationError{Kind: errs.UnsupportedFormat, Format: format}
	}
	modifier, ok := negotiate(supported, modifiers)
	if !ok {
		requested := buffer.Invalid
		if len(modifiers) > 0 {
			requested = modifiers[0]
		}
		return nil, &errs.AllocationError{Kind: errs.UnsupportedModifier, Format: format, Modifier: uint64(requested)}
	}
	if _, size, ok := format.Size(width, height); !ok || int64(size) > MaxBufferSize {
		return nil, &errs.AllocationError{
			Kind:     errs.OutOfMemory,
			Format:   format,
			Modifier: uint64(modifier),
			Err:      fmt.Errorf("%w: %dx%d %s exceeds %d bytes", ErrNoMemory, width, height, format, MaxBufferSize),
		}
	}

	attrs := buffer.Attributes{
		Width:    width,
		Height:   height,
		Format:   format,
		Modifier: modifier,
	}
	mem, err := a.provider.Allocate(attrs)
	if err != nil {
		kind := errs.OutOfMemory
		if !errors.Is(err, ErrNoMemory) && !errors.Is(err, unix.ENOMEM) && !errors.Is(err, unix.ENOSPC) {
			return nil, fmt.Errorf("allocate %dx%d %s: %w", width, height, format, err)
		}
		return nil, &errs.AllocationError{Kind: kind, Format: format, Modifier: uint64(modifier), Err: err}
	}
	if stride, ok := mem.(interface{ Stride() int }); ok {
		attrs.Stride = stride.Stride()
	}
	mem = &tracked{Memory: mem, allocator: a}
	b := buffer.New(attrs, mem, a)
	mem.(*tracked).buffer = b
	a.live[b] = struct{}{}
	a.log.WithFields(logrus.Fields{
		"buffer":   b.ID,
		"size":     fmt.Sprintf("%dx%d", width, height),
		"format":   format,
		"modifier": modifier,
	}).Debugln("Allocated buffer")
	return b, nil
}

// Release drops the allocator-side reference of b.
// The memory goes away once every holder released it and all its fences signaled
func (a *Allocator) Release(b *buffer.Buffer) error {
	if b.Owner() != buffer.Owner(a) {
		return fmt.Errorf("release %s: %w", b.ID, errs.ErrNotOwned)
	}
	return b.Release()
}

// BufferDrained gets called by a buffer that lost its last reference while fences were pending
func (a *Allocator) BufferDrained(b *buffer.Buffer) {
	if _, ok := a.drained[b]; ok {
		return
	}
	a.drained[b] = struct{}{}
	a.watch(b)
}

func (a *Allocator) watch(b *buffer.Buffer) {
	if a.loop == nil {
		return
	}
	a.loop.WatchFence(b.Busy(), func() {
		if _, ok := a.drained[b]; !ok {
			return
		}
		if b.TryFree() {
			delete(a.drained, b)
			return
		}
		// Someone added a fence in between
		a.watch(b)
	})
}

// Collect frees every drained buffer whose fences signaled by now. Returns how many were freed
func (a *Allocator) Collect() int {
	freed := 0
	for b := range a.drained {
		if b.TryFree() {
			delete(a.drained, b)
			freed++
		}
	}
	return freed
}

// Live returns how many buffers still hold memory
func (a *Allocator) Live() int { return len(a.live) }

// Pending returns how many unreferenced buffers wait for their fences
func (a *Allocator) Pending() int { return len(a.drained) }

// Destroy rejects further allocations and waits until every unreferenced buffer could be freed.
// Buffers still referenced elsewhere are freed when their last holder lets go
func (a *Allocator) Destroy(ctx context.Context) error {
	if a.destroyed {
		return nil
	}
	a.destroyed = true
	for b := range a.drained {
		if err := b.Busy().Wait(ctx); err != nil && ctx.Err() != nil {
			return fmt.Errorf("destroy allocator: %w", ctx.Err())
		}
		if b.TryFree() {
			delete(a.drained, b)
		}
	}
	if len(a.live) > 0 {
		a.log.WithField("buffers", len(a.live)).Warnln("Destroyed with buffers still in use")
	} else {
		a.log.Infoln("Allocator destroyed")
	}
	return nil
}

func (a *Allocator) forget(b *buffer.Buffer) {
	delete(a.live, b)
	delete(a.drained, b)
}

// negotiate picks the first candidate the allocator supports, in caller order
func negotiate(supported, candidates []buffer.Modifier) (buffer.Modifier, bool) {
	if len(candidates) == 0 {
		if containsModifier(supported, buffer.Invalid) {
			return buffer.Invalid, true
		}
		if len(supported) == 0 {
			return 0, false
		}
		return supported[0], true
	}
	for _, candidate := range candidates {
		if containsModifier(supported, candidate) {
			return candidate, true
		}
	}
	return 0, false
}

func containsModifier(mods []buffer.Modifier, mod buffer.Modifier) bool {
	for _, m := range mods {
		if m == mod {
			return true
		}
	}
	return false
}

// tracked lets the allocator notice frees that happen through any holder
type tracked struct {
	buffer.Memory
	allocator *Allocator
	buffer    *buffer.Buffer
	closed    bool
}

func (t *tracked) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.Memory.Close()
	t.allocator.forget(t.buffer)
	return err
}

// Unwrap returns the provider memory
func (t *tracked) Unwrap() buffer.Memory { return t.Memory }
