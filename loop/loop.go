// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package loop is the single dispatch loop every session, backend, renderer
// and allocator operation runs on.
// Other goroutines (device readers, fence watchers, timers) never touch component
// state directly, they Post work and the loop runs it one item at a time
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mstarongithub/w2gcore/fence"
	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("dispatch loop stopped")

type Loop struct {
	lock    sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	log     *logrus.Entry
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  logrus.WithField("component", "loop"),
	}
}

// Post queues fn to run on the loop. Safe to call from any goroutine.
// Work posted after Stop is dropped
func (l *Loop) Post(fn func()) {
	l.lock.Lock()
	if l.stopped {
		l.lock.Unlock()
		l.log.Debugln("Dropping work posted after stop")
		return
	}
	l.queue = append(l.queue, fn)
	l.lock.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Dispatch runs queued work until the queue is empty, including work queued while running.
// Returns how many items ran
func (l *Loop) Dispatch() int {
	ran := 0
	for {
		l.lock.Lock()
		if len(l.queue) == 0 {
			l.lock.Unlock()
			return ran
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.lock.Unlock()
		fn()
		ran++
	}
}

// Run dispatches work as it arrives until ctx ends or Stop is called
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Dispatch()
		if l.isStopped() {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// DispatchUntil keeps dispatching until cond holds or ctx ends.
// cond is evaluated on the calling goroutine between dispatches
func (l *Loop) DispatchUntil(ctx context.Context, cond func() bool) error {
	for {
		l.Dispatch()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Sync posts fn and blocks until the loop ran it.
// Must not be called from the loop goroutine itself
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchFence posts fn once f is signaled. If f already is, fn gets posted right away
func (l *Loop) WatchFence(f *fence.Fence, fn func()) {
	if f.Poll() {
		l.Post(fn)
		return
	}
	go func() {
		<-f.Done()
		l.Post(fn)
	}()
}

// AfterFunc posts fn after d has passed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Pending returns how many work items are queued
func (l *Loop) Pending() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.queue)
}

// Stop makes Run return and drops everything posted from now on.
// Already queued work still runs with the next Dispatch
func (l *Loop) Stop() {
	l.lock.Lock()
	l.stopped = true
	l.lock.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isStopped() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.stopped
}
