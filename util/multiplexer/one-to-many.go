// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// OneToMany copies every message to a set of named receivers.
// Receivers are observers: a receiver that doesn't keep up misses messages instead of
// stalling the sender
type OneToMany[T any] struct {
	outbound map[string]chan T // Use map here to give names to outbound channels
	size     int
	lock     sync.Mutex
	closed   bool
}

// NewOneToMany creates a plexer whose receivers buffer up to size messages
func NewOneToMany[T any](size int) *OneToMany[T] {
	return &OneToMany[T]{
		outbound: make(map[string]chan T),
		size:     size,
	}
}

// Create a new receiver for the multiplexer to send messages to.
// Please do not close this manually, instead use the CloseReceiver func
func (o *OneToMany[T]) MakeReceiver(name string) (<-chan T, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	// Only allow new receivers to be made
	if _, ok := o.outbound[name]; ok {
		return nil, errors.New("receiver with that name already exists")
	}
	rec := make(chan T, o.size)
	o.outbound[name] = rec
	return rec, nil
}

// Closes a receiver channel with the given name and removes it from the multiplexer
func (o *OneToMany[T]) CloseReceiver(name string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if val, ok := o.outbound[name]; ok {
		close(val)
		delete(o.outbound, name)
	}
}

// Send copies msg to every receiver with room left
func (o *OneToMany[T]) Send(msg T) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return
	}
	for name, c := range o.outbound {
		select {
		case c <- msg:
		default:
			logrus.WithField("receiver", name).Debugln("Receiver full, dropping message")
		}
	}
}

// Receivers returns how many receivers are attached
func (o *OneToMany[T]) Receivers() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.outbound)
}

// Close all receiver channels and mark the plexer as closed
func (o *OneToMany[T]) Close() {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.closed {
		return
	}
	for name, c := range o.outbound {
		close(c)
		delete(o.outbound, name)
	}
	o.closed = true
}
