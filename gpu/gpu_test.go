package gpu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/mstarongithub/w2gcore/session"
)

func waitFence(t *testing.T, f *fence.Fence) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("fence never signaled")
	}
	return err
}

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	var lock sync.Mutex
	order := []int{}
	var last *fence.Fence
	for i := 0; i < 20; i++ {
		i := i
		last = q.Submit(func(context.Context) error {
			lock.Lock()
			order = append(order, i)
			lock.Unlock()
			return nil
		})
	}
	if err := waitFence(t, last); err != nil {
		t.Fatal(err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestQueueWaitsForFences(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	dep := fence.New()
	ran := make(chan struct{})
	done := q.Submit(func(context.Context) error {
		close(ran)
		return nil
	}, dep)
	select {
	case <-ran:
		t.Fatal("job ran before its dependency signaled")
	case <-time.After(20 * time.Millisecond):
	}
	if done.Poll() {
		t.Fatal("fence signaled early")
	}
	// A failed dependency still counts as done
	dep.Signal(errors.New("earlier job failed"))
	if err := waitFence(t, done); err != nil {
		t.Errorf("job result: %v", err)
	}
}

func TestQueueReportsJobErrors(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	boom := errors.New("boom")
	if err := waitFence(t, q.Submit(func(context.Context) error { return boom })); !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
}

func TestQueueCloseCancels(t *testing.T) {
	q := NewQueue("test")
	block := fence.New()
	running := make(chan struct{})
	first := q.Submit(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})
	<-running
	queued := q.Submit(func(context.Context) error { return nil }, block)
	q.Close()
	if !first.Poll() {
		t.Error("close returned while a job was running")
	}
	if err := queued.Err(); !errors.Is(err, errs.ErrCanceled) {
		t.Errorf("queued job: %v", err)
	}
	if err := q.Submit(func(context.Context) error { return nil }).Err(); !errors.Is(err, errs.ErrCanceled) {
		t.Errorf("submit after close: %v", err)
	}
	q.Close()
}

func TestProbeSysfs(t *testing.T) {
	root := t.TempDir()
	oldRoot, oldICD := sysfsRoot, icdDirs
	t.Cleanup(func() { sysfsRoot, icdDirs = oldRoot, oldICD })
	sysfsRoot = root
	icd := filepath.Join(root, "icd.d")
	icdDirs = []string{icd}

	id := session.DeviceID{Major: session.MajorDRM, Minor: 128}
	devDir := filepath.Join(root, "dev", "char", id.String(), "device")
	driverDir := filepath.Join(root, "bus", "pci", "drivers", "i915")
	for _, dir := range []string{devDir, driverDir, icd} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(driverDir, filepath.Join(devDir, "driver")); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(devDir, "vendor"), []byte("0x8086\n"), 0o644)

	identity, features := probe("/dev/dri/renderD128", id)
	if identity.Driver != "i915" || identity.Vendor != 0x8086 {
		t.Errorf("identity %+v", identity)
	}
	if features.Vulkan {
		t.Error("vulkan reported without an ICD")
	}
	if !features.ExplicitModifiers || !features.Supports(buffer.XRGB8888, buffer.IntelYTiled) {
		t.Error("intel tiling not reported")
	}
	if features.Supports(buffer.RGB565, buffer.IntelYTiled) {
		t.Error("16bpp tiling reported")
	}

	os.WriteFile(filepath.Join(icd, "intel_icd.x86_64.json"), []byte("{}"), 0o644)
	if _, features = probe("/dev/dri/renderD128", id); !features.Vulkan {
		t.Error("vulkan ICD not found")
	}
}

func TestHeadlessDevice(t *testing.T) {
	d := NewHeadless(false)
	defer d.Close()
	if d.Features.Vulkan || !d.Features.Supports(buffer.ARGB8888, buffer.Linear) {
		t.Errorf("features %+v", d.Features)
	}
	if d.Queue() != d.Queue() {
		t.Error("queue not reused")
	}
}
