// Package wrappers gives plain readers and writers a Close that doesn't reach the
// wrapped value, so stdin and stdout survive a repl shutting down
package wrappers

import (
	"errors"
	"io"
	"sync/atomic"
)

var ErrClosed = errors.New("closed")

type ReaderWrapper struct {
	closed  atomic.Bool
	wrapped io.Reader
}

func NewReaderWrapper(wraps io.Reader) *ReaderWrapper {
	return &ReaderWrapper{wrapped: wraps}
}

// Close implements repl.ReadCloser. The wrapped reader stays open
func (r *ReaderWrapper) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *ReaderWrapper) Closed() bool { return r.closed.Load() }

// Read implements repl.ReadCloser.
// A read already blocked in the wrapped reader finishes, but its data is dropped
func (r *ReaderWrapper) Read(p []byte) (n int, err error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n, err = r.wrapped.Read(p)
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return n, err
}
