// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fence provides the completion primitive signaled by GPU and display work
package fence

import (
	"context"
	"sync"
)

// A Fence gets signaled exactly once, optionally carrying the error the operation ended with.
// A nil *Fence counts as already signaled
type Fence struct {
	done chan struct{}
	once sync.Once
	err  error
}

func New() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Signaled returns a fence that is already signaled with err
func Signaled(err error) *Fence {
	f := New()
	f.Signal(err)
	return f
}

// Signal marks the fence as done. Only the first call has an effect
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the fence is signaled
func (f *Fence) Done() <-chan struct{} {
	if f == nil {
		return closedChan
	}
	return f.done
}

// Poll reports whether the fence has been signaled, without blocking
func (f *Fence) Poll() bool {
	if f == nil {
		return true
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the error the fence was signaled with.
// Returns nil while the fence is still pending
func (f *Fence) Err() error {
	if !f.Poll() || f == nil {
		return nil
	}
	return f.err
}

// Wait blocks until the fence is signaled or ctx ends
func (f *Fence) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All returns a fence signaled once every given fence is signaled.
// It carries the first error found, in argument order
func All(fences ...*Fence) *Fence {
	pending := []*Fence{}
	for _, f := range fences {
		if !f.Poll() {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return Signaled(firstErr(fences))
	}
	joined := New()
	go func() {
		for _, f := range pending {
			<-f.done
		}
		joined.Signal(firstErr(fences))
	}()
	return joined
}

func firstErr(fences []*Fence) error {
	for _, f := range fences {
		if err := f.Err(); err != nil {
			return err
		}
	}
	return nil
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
