package wrappers

import (
	"io"
	"sync"
)

type WriterWrapper struct {
	lock    sync.Mutex
	closed  bool
	wrapped io.Writer
}

func NewWriterWrapper(wraps io.Writer) *WriterWrapper {
	return &WriterWrapper{wrapped: wraps}
}

func (w *WriterWrapper) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.closed = true
	return nil
}

// Write serializes writers, so lines from different goroutines don't interleave
func (w *WriterWrapper) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	return w.wrapped.Write(p)
}
