// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package buffer holds the reference counted, fence guarded memory handles
// shared between allocators, renderers and backends
package buffer

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotReferenced = errors.New("buffer has no references left")
	ErrFreed         = errors.New("buffer memory already freed")
)

// Memory is the backing storage of a buffer
type Memory interface {
	// CPU view of the pixels, nil if the memory can't be mapped
	Pixels() []byte
	// dma-buf file descriptor, -1 if there is none
	DmabufFD() int
	Close() error
}

// Owner gets told when a buffer lost its last reference but still has pending fences.
// It is then responsible for calling TryFree once they signal
type Owner interface {
	BufferDrained(b *Buffer)
}

type Attributes struct {
	Width    int
	Height   int
	Format   Format
	Modifier Modifier
	// Bytes per row
	Stride int
}

// Buffer is a reference counted handle to shareable memory.
// All methods must be called from the dispatch loop
type Buffer struct {
	ID uuid.UUID
	Attributes

	mem   Memory
	owner Owner

	refs       int
	writeFence *fence.Fence
	readFences []*fence.Fence
	freed      bool
}

// New wraps mem into a buffer holding one reference
func New(attrs Attributes, mem Memory, owner Owner) *Buffer {
	if attrs.Stride == 0 {
		attrs.Stride = attrs.Width * attrs.Format.BytesPerPixel()
	}
	return &Buffer{
		ID:         uuid.New(),
		Attributes: attrs,
		mem:        mem,
		owner:      owner,
		refs:       1,
	}
}

// Acquire adds a reference
func (b *Buffer) Acquire() *Buffer {
	if b.freed || b.refs == 0 {
		logrus.WithField("buffer", b.ID).Errorln("Acquire on an unreferenced buffer")
		return b
	}
	b.refs++
	return b
}

// Release drops a reference. The memory gets freed once no references are left and
// every fence on the buffer has signaled, possibly later through the owner
func (b *Buffer) Release() error {
	if b.refs <= 0 {
		return ErrNotReferenced
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}
	if b.TryFree() {
		return nil
	}
	if b.owner != nil {
		b.owner.BufferDrained(b)
	}
	return nil
}

// TryFree frees the memory if the buffer is unreferenced and idle.
// Returns true only on the call that actually freed it
func (b *Buffer) TryFree() bool {
	if b.freed || b.refs > 0 || !b.Idle() {
		return false
	}
	b.freed = true
	if b.mem != nil {
		if err := b.mem.Close(); err != nil {
			logrus.WithError(err).WithField("buffer", b.ID).Warnln("Closing buffer memory failed")
		}
	}
	b.readFences = nil
	return true
}

func (b *Buffer) Refs() int { return b.refs }

func (b *Buffer) Freed() bool { return b.freed }

// Fence returns the fence of the last write into the buffer, nil if none
func (b *Buffer) Fence() *fence.Fence { return b.writeFence }

// SetWriteFence records a pending write. Readers must wait on it before reading
func (b *Buffer) SetWriteFence(f *fence.Fence) {
	if !b.writeFence.Poll() {
		// The previous write still counts as a holder until it lands
		b.readFences = append(b.readFences, b.writeFence)
	}
	b.writeFence = f
}

// AddReadFence records a pending read (GPU sampling, scanout).
// Writers must wait on it before touching the pixels
func (b *Buffer) AddReadFence(f *fence.Fence) {
	b.pruneReads()
	b.readFences = append(b.readFences, f)
}

// ReadFences returns the reads still pending
func (b *Buffer) ReadFences() []*fence.Fence {
	b.pruneReads()
	out := make([]*fence.Fence, len(b.readFences))
	copy(out, b.readFences)
	return out
}

// Idle reports whether every read and write fence has signaled
func (b *Buffer) Idle() bool {
	if !b.writeFence.Poll() {
		return false
	}
	b.pruneReads()
	return len(b.readFences) == 0
}

// Busy returns a fence signaled once every current holder is done with the buffer.
// Waiting on it is how a writer acquires exclusive intent
func (b *Buffer) Busy() *fence.Fence {
	return fence.All(append(b.ReadFences(), b.writeFence)...)
}

// Memory returns the backing storage, nil once freed
func (b *Buffer) Memory() Memory {
	if b.freed {
		return nil
	}
	return b.mem
}

func (b *Buffer) Owner() Owner { return b.owner }

func (b *Buffer) pruneReads() {
	kept := b.readFences[:0]
	for _, f := range b.readFences {
		if !f.Poll() {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(b.readFences); i++ {
		b.readFences[i] = nil
	}
	b.readFences = kept
}
