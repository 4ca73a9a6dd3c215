package wrappers

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCloseKeepsWrappedOpen(t *testing.T) {
	src := strings.NewReader("abc")
	r := NewReaderWrapper(src)
	buf := make([]byte, 1)
	if n, err := r.Read(buf); n != 1 || err != nil {
		t.Fatalf("read: %d %v", n, err)
	}
	r.Close()
	if _, err := r.Read(buf); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close: %v", err)
	}
	if src.Len() != 2 {
		t.Error("wrapped reader consumed after close")
	}

	out := &bytes.Buffer{}
	w := NewWriterWrapper(out)
	w.Write([]byte("x"))
	w.Close()
	if _, err := w.Write([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	if out.String() != "x" {
		t.Errorf("wrapped writer got %q", out.String())
	}
}
