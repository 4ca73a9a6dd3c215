// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("multiplexer has been closed")
	ErrSourceClosed = errors.New("source has been closed")
	ErrSourceExists = errors.New("source with that name already exists")
)

// Envelope is one accepted message together with its place in the merged sequence
type Envelope[T any] struct {
	// Position in the order messages were accepted, starting at 1
	Seq    uint64
	Source string
	Value  T
}

// A many to one multiplexer
// Yes, channels technically already are that, but raw channels block senders when the reader
// lags behind and explode when sending after close.
// This one never blocks a sender: messages get queued in the order they were accepted
// and handed to the reader exactly once, in that same order
type ManyToOne[T any] struct {
	lock    sync.Mutex
	queue   []Envelope[T]
	seq     uint64
	notify  chan struct{}
	closed  bool
	sources map[string]*Sender[T]
}

// Sender is one named input of a ManyToOne plexer
type Sender[T any] struct {
	name   string
	plexer *ManyToOne[T]
	closed bool
}

// NewManyToOne creates a new ManyToOne multiplexer
func NewManyToOne[T any]() *ManyToOne[T] {
	return &ManyToOne[T]{
		notify:  make(chan struct{}, 1),
		sources: make(map[string]*Sender[T]),
	}
}

// Source registers a new named sender
func (m *ManyToOne[T]) Source(name string) (*Sender[T], error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.sources[name]; ok {
		return nil, ErrSourceExists
	}
	s := &Sender[T]{name: name, plexer: m}
	m.sources[name] = s
	return s, nil
}

// Send a message to the plexer
// If either the source or the plexer is closed, the message won't get accepted
func (s *Sender[T]) Send(msg T) error {
	m := s.plexer
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrClosed
	}
	if s.closed {
		m.lock.Unlock()
		return ErrSourceClosed
	}
	m.seq++
	m.queue = append(m.queue, Envelope[T]{Seq: m.seq, Source: s.name, Value: msg})
	m.lock.Unlock()
	m.wake()
	return nil
}

func (s *Sender[T]) Name() string { return s.name }

// Close the source. Messages it already sent still get delivered
func (s *Sender[T]) Close() {
	m := s.plexer
	m.lock.Lock()
	defer m.lock.Unlock()
	s.closed = true
	delete(m.sources, s.name)
}

// Next blocks until a message is available or ctx ends
// Once the plexer is closed and everything queued got delivered, it returns ErrClosed
func (m *ManyToOne[T]) Next(ctx context.Context) (Envelope[T], error) {
	for {
		if env, ok, err := m.pop(); ok || err != nil {
			return env, err
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return Envelope[T]{}, ctx.Err()
		}
	}
}

// TryNext returns the next message if one is queued
func (m *ManyToOne[T]) TryNext() (Envelope[T], bool) {
	env, ok, _ := m.pop()
	return env, ok
}

// Len returns how many messages wait for delivery
func (m *ManyToOne[T]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.queue)
}

// Closes the plexer. Queued messages can still be read, new ones are rejected
func (m *ManyToOne[T]) Close() {
	m.lock.Lock()
	m.closed = true
	for name, s := range m.sources {
		s.closed = true
		delete(m.sources, name)
	}
	m.lock.Unlock()
	m.wake()
}

func (m *ManyToOne[T]) pop() (Envelope[T], bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.queue) == 0 {
		if m.closed {
			return Envelope[T]{}, false, ErrClosed
		}
		return Envelope[T]{}, false, nil
	}
	env := m.queue[0]
	var zero Envelope[T]
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return env, true, nil
}

func (m *ManyToOne[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
