// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package renderer imports buffers and composes them into render targets on a GPU queue
package renderer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/mstarongithub/w2gcore/gpu"
	"github.com/mstarongithub/w2gcore/loop"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// How many composites in a row may fail before the context counts as lost
const maxConsecutiveFailures = 3

// Image is a buffer imported into a render context. It holds a reference on the buffer
// until released or until the context goes away
type Image struct {
	Buffer   *buffer.Buffer
	renderer *Renderer
	context  uint64
	released bool
}

// Release drops the import and its buffer reference
func (i *Image) Release() {
	if i.released {
		return
	}
	i.released = true
	delete(i.renderer.imports, i)
	i.Buffer.Release()
}

// Layer is one step of a composition. Layers are drawn in order
type Layer struct {
	// Source image, nil for a solid fill with Color
	Image *Image
	Color color.RGBA
	// Source region, empty means the whole image
	Src image.Rectangle
	// Destination region, empty means the whole target. Sources get scaled to fit
	Dst image.Rectangle
}

// Renderer is the one active renderer of the process.
// All methods must be called from the dispatch loop
type Renderer struct {
	variant Variant
	loop    *loop.Loop

	device   *gpu.Device
	context  uint64
	imports  map[*Image]struct{}
	failures int
	lost     bool

	log *logrus.Entry
}

// New creates a renderer of the given variant. It fails with a ConfigurationError if the
// variant isn't compiled in
func New(reg capability.Registry, l *loop.Loop, variant Variant) (*Renderer, error) {
	flag, ok := variant.Flag()
	if !ok {
		return nil, &errs.ConfigurationError{Component: "renderer", Variant: string(variant), Reason: "unknown variant"}
	}
	if err := reg.Require(flag, "renderer"); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("renderer needs a dispatch loop")
	}
	return &Renderer{
		variant: variant,
		loop:    l,
		imports: make(map[*Image]struct{}),
		log:     logrus.WithFields(logrus.Fields{"component": "renderer", "variant": variant}),
	}, nil
}

func (r *Renderer) Variant() Variant { return r.variant }

// Device returns the device of the current context, nil without one
func (r *Renderer) Device() *gpu.Device { return r.device }

// Lost reports whether the current context stopped working
func (r *Renderer) Lost() bool { return r.lost }

// CreateContext binds the renderer to dev. An existing context gets destroyed first
func (r *Renderer) CreateContext(dev *gpu.Device) error {
	if dev == nil {
		return &errs.RenderError{Op: "create context", Err: errors.New("no device")}
	}
	if r.variant == Vulkan && !dev.Features.Vulkan {
		return &errs.RenderError{
			Op:  "create context",
			Err: fmt.Errorf("%s has no vulkan implementation", dev.Identity),
		}
	}
	if r.device != nil {
		r.DestroyContext()
	}
	r.device = dev
	r.context++
	r.failures = 0
	r.lost = false
	r.log.WithField("device", dev.Identity).Infoln("Render context created")
	return nil
}

// ImportBuffer makes b usable as a composite source or target
func (r *Renderer) ImportBuffer(b *buffer.Buffer) (*Image, error) {
	if err := r.usable("import"); err != nil {
		return nil, err
	}
	if b.Freed() || b.Refs() == 0 {
		return nil, &errs.RenderError{Op: "import", Err: buffer.ErrFreed}
	}
	if !r.variant.canImport(r.device.Features, b.Format, b.Modifier) {
		return nil, &errs.RenderError{
			Op: "import",
			Err: &errs.AllocationError{
				Kind:     errs.UnsupportedFormatOrModifier,
				Format:   b.Format,
				Modifier: uint64(b.Modifier),
			},
		}
	}
	img := &Image{Buffer: b.Acquire(), renderer: r, context: r.context}
	r.imports[img] = struct{}{}
	return img, nil
}

// Composite draws layers into target and returns the fence signaled once the pixels landed.
// It never waits for the GPU. The work starts after every source's last write and every
// pending read of the target finished
func (r *Renderer) Composite(target *Image, layers []Layer) (*fence.Fence, error) {
	if err := r.usable("composite"); err != nil {
		return nil, err
	}
	if err := r.valid(target); err != nil {
		return nil, err
	}
	waits := append(target.Buffer.ReadFences(), target.Buffer.Fence())
	held := []*buffer.Buffer{target.Buffer.Acquire()}
	for _, layer := range layers {
		if layer.Image == nil {
			continue
		}
		if err := r.valid(layer.Image); err != nil {
			for _, b := range held {
				b.Release()
			}
			return nil, err
		}
		waits = append(waits, layer.Image.Buffer.Fence())
		held = append(held, layer.Image.Buffer.Acquire())
	}

	job := r.compose(target.Buffer, layers)
	done := r.device.Queue().Submit(job, waits...)
	target.Buffer.SetWriteFence(done)
	for _, b := range held[1:] {
		b.AddReadFence(done)
	}

	ctxID := r.context
	finish := func() {
		for _, b := range held {
			b.Release()
		}
		r.account(ctxID, done.Err())
	}
	r.loop.WatchFence(done, finish)
	return done, nil
}

// DestroyContext cancels queued work, waits for the running job and drops every import
func (r *Renderer) DestroyContext() {
	if r.device == nil {
		return
	}
	r.device.Close()
	for img := range r.imports {
		img.Release()
	}
	r.log.WithField("device", r.device.Identity).Infoln("Render context destroyed")
	r.device = nil
	r.context++
}

func (r *Renderer) usable(op string) error {
	if r.device == nil {
		return &errs.RenderError{Op: op, Err: errs.ErrNoContext}
	}
	if r.lost {
		return &errs.RenderError{Op: op, Err: errs.ErrContextLost}
	}
	return nil
}

func (r *Renderer) valid(img *Image) error {
	if img == nil || img.released || img.renderer != r || img.context != r.context {
		return &errs.RenderError{Op: "composite", Err: errors.New("image not imported into this context")}
	}
	return nil
}

func (r *Renderer) account(ctxID uint64, err error) {
	if ctxID != r.context || errors.Is(err, errs.ErrCanceled) {
		return
	}
	if err == nil {
		r.failures = 0
		return
	}
	r.failures++
	log := r.log.WithError(err).WithField("failures", r.failures)
	if r.failures >= maxConsecutiveFailures && !r.lost {
		r.lost = true
		log.Errorln("Render context lost")
		return
	}
	log.Warnln("Composite failed")
}

// compose captures everything the job needs, it must not touch renderer state
func (r *Renderer) compose(target *buffer.Buffer, layers []Layer) gpu.Job {
	type source struct {
		layer Layer
		buf   *buffer.Buffer
	}
	sources := make([]source, len(layers))
	for i, layer := range layers {
		sources[i].layer = layer
		if layer.Image != nil {
			sources[i].buf = layer.Image.Buffer
		}
	}
	return func(ctx context.Context) error {
		dst := View(target)
		if dst == nil {
			return &errs.RenderError{Op: "composite", Err: errors.New("render target has no mapping")}
		}
		for _, s := range sources {
			if err := ctx.Err(); err != nil {
				return errs.ErrCanceled
			}
			dr := s.layer.Dst
			if dr.Empty() {
				dr = dst.Bounds()
			}
			if s.buf == nil {
				draw.Draw(dst, dr, image.NewUniform(s.layer.Color), image.Point{}, draw.Src)
				continue
			}
			if err := s.buf.Fence().Err(); err != nil {
				return &errs.RenderError{Op: "composite", Err: fmt.Errorf("source %s was never rendered: %w", s.buf.ID, err)}
			}
			src := View(s.buf)
			if src == nil {
				return &errs.RenderError{Op: "composite", Err: fmt.Errorf("source %s has no mapping", s.buf.ID)}
			}
			sr := s.layer.Src
			if sr.Empty() {
				sr = src.Bounds()
			}
			op := draw.Src
			if s.buf.Format.HasAlpha() {
				op = draw.Over
			}
			if dr.Size() == sr.Size() {
				draw.Draw(dst, dr, src, sr.Min, op)
			} else {
				draw.ApproxBiLinear.Scale(dst, dr, src, sr, op, nil)
			}
		}
		return nil
	}
}
