package allocator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/mstarongithub/w2gcore/loop"
)

var allFlags = capability.New(capability.All()...)

func newHeapAllocator(t *testing.T, variant Variant, limit int64) (*Allocator, *HeapProvider, *loop.Loop) {
	t.Helper()
	l := loop.New()
	heap := NewHeapProvider(limit)
	a, err := New(allFlags, l, variant, heap)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, heap, l
}

func TestVariantNotCompiledIn(t *testing.T) {
	reg := capability.New(capability.UdmabufAllocator)
	_, err := New(reg, loop.New(), GBM, NewHeapProvider(0))
	var cerr *errs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a ConfigurationError, got %v", err)
	}
	if _, err = New(reg, loop.New(), Variant("ion"), NewHeapProvider(0)); !errors.As(err, &cerr) {
		t.Errorf("unknown variant: %v", err)
	}
}

func TestFullHDAllocation(t *testing.T) {
	a, heap, _ := newHeapAllocator(t, GBM, 0)
	b, err := a.Allocate(1920, 1080, buffer.XRGB8888, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Width != 1920 || b.Height != 1080 || b.Format != buffer.XRGB8888 {
		t.Errorf("unexpected attributes %+v", b.Attributes)
	}
	if b.Stride != 1920*4 {
		t.Errorf("stride %d", b.Stride)
	}
	if len(b.Memory().Pixels()) != 1920*1080*4 {
		t.Errorf("pixel storage of %d bytes", len(b.Memory().Pixels()))
	}
	if heap.Used() != 1920*1080*4 {
		t.Errorf("provider accounts %d bytes", heap.Used())
	}
}

func TestModifierNegotiation(t *testing.T) {
	tests := []struct {
		name      string
		variant   Variant
		candidate []buffer.Modifier
		want      buffer.Modifier
		kind      errs.AllocationKind
		fails     bool
	}{
		{"implicit", GBM, nil, buffer.Invalid, 0, false},
		{"caller order", GBM, []buffer.Modifier{buffer.IntelYTiled, buffer.Linear, buffer.Invalid}, buffer.Linear, 0, false},
		{"first wins", GBM, []buffer.Modifier{buffer.Invalid, buffer.Linear}, buffer.Invalid, 0, false},
		{"unsupported", GBM, []buffer.Modifier{buffer.IntelXTiled}, 0, errs.UnsupportedModifier, true},
		{"udmabuf implicit", Udmabuf, nil, buffer.Linear, 0, false},
		{"udmabuf linear only", Udmabuf, []buffer.Modifier{buffer.Invalid, buffer.Linear}, buffer.Linear, 0, false},
		{"udmabuf no linear", Udmabuf, []buffer.Modifier{buffer.Invalid}, 0, errs.UnsupportedModifier, true},
	}
	for _, test := range tests {
		a, _, _ := newHeapAllocator(t, test.variant, 0)
		b, err := a.Allocate(64, 64, buffer.ARGB8888, test.candidate)
		if test.fails {
			if !errs.IsKind(err, test.kind) {
				t.Errorf("%s: expected %s, got %v", test.name, test.kind, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if b.Modifier != test.want {
			t.Errorf("%s: got modifier %s, want %s", test.name, b.Modifier, test.want)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	a, _, _ := newHeapAllocator(t, GBM, 0)
	nv12 := buffer.Format(0x3231564e)
	_, err := a.Allocate(64, 64, nv12, nil)
	if !errs.IsKind(err, errs.UnsupportedFormat) {
		t.Errorf("expected UnsupportedFormat, got %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	a, _, _ := newHeapAllocator(t, GBM, 64*64*4)
	b, err := a.Allocate(64, 64, buffer.XRGB8888, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a.Allocate(64, 64, buffer.XRGB8888, nil); !errs.IsKind(err, errs.OutOfMemory) {
		t.Fatalf("expected OutOfMemory, got %v", err)
	}
	a.Release(b)
	if _, err = a.Allocate(64, 64, buffer.XRGB8888, nil); err != nil {
		t.Errorf("allocation after free: %v", err)
	}
}

func TestOversizedAllocation(t *testing.T) {
	a, heap, _ := newHeapAllocator(t, GBM, 1<<20)
	tests := []struct {
		name          string
		width, height int
	}{
		{"wraps int", 1 << 31, 1 << 31},
		{"wraps stride", 1 << 62, 1},
		{"past the cap", 1 << 16, 1 << 15},
	}
	for _, test := range tests {
		b, err := a.Allocate(test.width, test.height, buffer.XRGB8888, nil)
		if !errs.IsKind(err, errs.OutOfMemory) {
			t.Errorf("%s: expected OutOfMemory, got %v (buffer %v)", test.name, err, b)
		}
	}
	if heap.Used() != 0 || a.Live() != 0 {
		t.Errorf("rejected allocations left %d bytes and %d buffers behind", heap.Used(), a.Live())
	}

	// Providers guard themselves too
	_, err := heap.Allocate(buffer.Attributes{Width: 1 << 31, Height: 1 << 31, Format: buffer.XRGB8888})
	if !errors.Is(err, ErrNoMemory) {
		t.Errorf("heap provider: expected ErrNoMemory, got %v", err)
	}
	if heap.Used() != 0 {
		t.Errorf("heap provider accounts %d bytes", heap.Used())
	}
}

type modifierlessProvider struct {
	*HeapProvider
}

func (modifierlessProvider) Formats() map[buffer.Format][]buffer.Modifier {
	return map[buffer.Format][]buffer.Modifier{
		buffer.XRGB8888: nil,
		buffer.ARGB8888: {buffer.Linear},
	}
}

func TestFormatWithoutModifiers(t *testing.T) {
	for _, variant := range []Variant{GBM, Udmabuf} {
		a, err := New(allFlags, loop.New(), variant, modifierlessProvider{NewHeapProvider(0)})
		if err != nil {
			t.Fatal(err)
		}
		if _, err = a.Allocate(16, 16, buffer.XRGB8888, nil); !errs.IsKind(err, errs.UnsupportedFormat) {
			t.Errorf("%s: expected UnsupportedFormat, got %v", variant, err)
		}
		if _, err = a.Allocate(16, 16, buffer.ARGB8888, []buffer.Modifier{}); err != nil {
			t.Errorf("%s: empty candidate list: %v", variant, err)
		}
	}
}

func TestNegotiationFailureWithoutCandidates(t *testing.T) {
	if _, ok := negotiate(nil, nil); ok {
		t.Fatal("negotiated a modifier out of nothing")
	}
	a, _, _ := newHeapAllocator(t, GBM, 0)
	// Only reachable if a format slipped in with no modifiers
	a.formats[buffer.XBGR8888] = nil
	_, err := a.Allocate(16, 16, buffer.XBGR8888, nil)
	var aerr *errs.AllocationError
	if !errors.As(err, &aerr) || aerr.Kind != errs.UnsupportedModifier {
		t.Fatalf("expected UnsupportedModifier, got %v", err)
	}
	if buffer.Modifier(aerr.Modifier) != buffer.Invalid {
		t.Errorf("reported modifier %s", buffer.Modifier(aerr.Modifier))
	}
}

func TestReleaseFreesIdleBuffer(t *testing.T) {
	a, heap, _ := newHeapAllocator(t, GBM, 0)
	b, _ := a.Allocate(16, 16, buffer.XRGB8888, nil)
	b.Acquire()
	if err := a.Release(b); err != nil {
		t.Fatal(err)
	}
	if b.Freed() {
		t.Fatal("freed while still referenced")
	}
	b.Release()
	if !b.Freed() || a.Live() != 0 || heap.Used() != 0 {
		t.Errorf("freed=%v live=%d used=%d", b.Freed(), a.Live(), heap.Used())
	}
	if err := a.Release(b); err == nil {
		t.Error("releasing a freed buffer succeeded")
	}
}

func TestDeferredFreeOnLoop(t *testing.T) {
	a, heap, l := newHeapAllocator(t, GBM, 0)
	b, _ := a.Allocate(16, 16, buffer.XRGB8888, nil)
	scanout := fence.New()
	b.AddReadFence(scanout)
	a.Release(b)
	if b.Freed() || a.Pending() != 1 {
		t.Fatalf("freed=%v pending=%d", b.Freed(), a.Pending())
	}
	l.Dispatch()
	if b.Freed() {
		t.Fatal("freed before the fence signaled")
	}
	scanout.Signal(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.DispatchUntil(ctx, b.Freed); err != nil {
		t.Fatalf("buffer never freed: %v", err)
	}
	if a.Live() != 0 || a.Pending() != 0 || heap.Used() != 0 {
		t.Errorf("live=%d pending=%d used=%d", a.Live(), a.Pending(), heap.Used())
	}
}

func TestCollectWithoutLoop(t *testing.T) {
	heap := NewHeapProvider(0)
	a, err := New(allFlags, nil, Udmabuf, heap)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := a.Allocate(8, 8, buffer.XBGR8888, nil)
	write := fence.New()
	b.SetWriteFence(write)
	a.Release(b)
	if n := a.Collect(); n != 0 {
		t.Fatalf("collected %d buffers with a pending write", n)
	}
	write.Signal(nil)
	if n := a.Collect(); n != 1 {
		t.Errorf("collected %d buffers", n)
	}
	if n := a.Collect(); n != 0 {
		t.Errorf("second collect freed %d", n)
	}
}

func TestReleaseForeignBuffer(t *testing.T) {
	a, _, _ := newHeapAllocator(t, GBM, 0)
	foreign := buffer.New(buffer.Attributes{Width: 1, Height: 1, Format: buffer.XRGB8888}, nil, nil)
	if err := a.Release(foreign); !errors.Is(err, errs.ErrNotOwned) {
		t.Errorf("expected ErrNotOwned, got %v", err)
	}
}

func TestDestroyWaitsForFences(t *testing.T) {
	a, heap, _ := newHeapAllocator(t, GBM, 0)
	b, _ := a.Allocate(16, 16, buffer.XRGB8888, nil)
	gpu := fence.New()
	b.AddReadFence(gpu)
	a.Release(b)
	go func() {
		time.Sleep(10 * time.Millisecond)
		gpu.Signal(nil)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.Freed() || heap.Used() != 0 {
		t.Error("destroy returned before freeing")
	}
	if _, err := a.Allocate(16, 16, buffer.XRGB8888, nil); !errors.Is(err, errs.ErrDestroyed) {
		t.Errorf("allocate after destroy: %v", err)
	}
	if err := a.Destroy(ctx); err != nil {
		t.Errorf("second destroy: %v", err)
	}
}
