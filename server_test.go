package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mstarongithub/w2gcore/allocator"
	"github.com/mstarongithub/w2gcore/backend"
	"github.com/mstarongithub/w2gcore/bridge"
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/config"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/mstarongithub/w2gcore/renderer"
	"github.com/mstarongithub/w2gcore/repl"
	"github.com/mstarongithub/w2gcore/session"
)

func testConfig(t *testing.T) *config.Config {
	conf := config.Default()
	conf.Backend.Variant = "libinput"
	conf.Backend.InputGlob = filepath.Join(t.TempDir(), "event*")
	conf.Seat.Kind = "headless"
	conf.Allocator.HeapLimit = 1 << 20
	conf.Frame.Background = "#204060"
	return conf
}

func testRegistry() capability.Registry {
	return capability.New(capability.LibinputBackend, capability.GLES2Renderer, capability.GBMAllocator)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	return startServerWith(t, testRegistry(), Extensions{})
}

func startServerWith(t *testing.T, reg capability.Registry, ext Extensions) *Server {
	t.Helper()
	server, err := NewServer(testConfig(t), reg, nil, ext)
	if err != nil {
		t.Fatal(err)
	}
	if err = server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(server.Stop)
	return server
}

func settle(t *testing.T, server *Server, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.loop.DispatchUntil(ctx, cond); err != nil {
		t.Fatalf("condition never held: %v", err)
	}
}

func TestServerStartAndStop(t *testing.T) {
	server := startServer(t)
	if server.renderer.Variant() != renderer.GLES2 {
		t.Errorf("expected gles2, got %s", server.renderer.Variant())
	}
	if server.allocator.Variant() != allocator.GBM {
		t.Errorf("expected gbm, got %s", server.allocator.Variant())
	}
	if server.format != buffer.XRGB8888 {
		t.Errorf("expected XRGB8888, got %s", server.format)
	}
	if err := server.Start(context.Background()); err == nil {
		t.Error("second start succeeded")
	}

	server.Stop()
	if server.backend.State() != backend.Destroyed {
		t.Errorf("backend left in %s", server.backend.State())
	}
	if server.session.State() != session.Closed {
		t.Errorf("session left in %s", server.session.State())
	}
	server.Stop()
}

func TestNewServerRejectsMissingVariant(t *testing.T) {
	reg := capability.New(capability.DRMBackend)
	conf := testConfig(t)
	if _, err := NewServer(conf, reg, nil, Extensions{}); err == nil {
		t.Fatal("libinput backend without the capability was accepted")
	}
	// The failed attempt must not keep the process wide session
	server, err := NewServer(conf, testRegistry(), nil, Extensions{})
	if err != nil {
		t.Fatalf("session leaked from the failed attempt: %v", err)
	}
	server.Stop()
}

func TestPaintDrawsPattern(t *testing.T) {
	server := startServer(t)
	out := &backend.Output{Name: "virtual", Mode: backend.Mode{Width: 16, Height: 16}}

	buf, err := server.paint(out)
	if err != nil {
		t.Fatal(err)
	}
	settle(t, server, buf.Fence().Poll)
	if err := buf.Fence().Err(); err != nil {
		t.Fatal(err)
	}
	view := renderer.View(buf)
	check := func(x, y int, r, g, b uint32) {
		t.Helper()
		gotR, gotG, gotB, _ := view.At(x, y).RGBA()
		if gotR>>8 != r || gotG>>8 != g || gotB>>8 != b {
			t.Errorf("pixel %d,%d: got %02x%02x%02x, want %02x%02x%02x", x, y, gotR>>8, gotG>>8, gotB>>8, r, g, b)
		}
	}
	check(0, 0, 0x8f, 0x9f, 0xaf)
	check(8, 15, 0x20, 0x40, 0x60)

	if got := server.allocator.Live(); got != swapchainLength {
		t.Errorf("expected %d buffers, got %d", swapchainLength, got)
	}

	out.Mode = backend.Mode{Width: 8, Height: 8}
	if _, err = server.paint(out); err != nil {
		t.Fatal(err)
	}
	if chain := server.chains[out]; chain.width != 8 || len(chain.buffers) != swapchainLength {
		t.Errorf("swapchain not rebuilt for the new mode: %+v", chain)
	}
}

func TestPaintRunsOutOfBuffers(t *testing.T) {
	server := startServer(t)
	out := &backend.Output{Name: "virtual", Mode: backend.Mode{Width: 4, Height: 4}}
	// Every buffer still being scanned out
	for i := 0; i < swapchainLength; i++ {
		buf, err := server.paint(out)
		if err != nil {
			t.Fatal(err)
		}
		scanout := fence.New()
		defer scanout.Signal(nil)
		buf.AddReadFence(scanout)
	}
	if _, err := server.paint(out); !errors.Is(err, errNoIdleBuffer) {
		t.Errorf("expected errNoIdleBuffer, got %v", err)
	}
}

func TestLostHardwareStops(t *testing.T) {
	server := startServer(t)
	server.handleEvent(event.Event{Kind: event.BackendLost, Err: errors.New("gone")})
	if !server.stopped {
		t.Fatal("server kept running without its backend")
	}
	if server.backend.State() != backend.Destroyed {
		t.Errorf("backend left in %s", server.backend.State())
	}
}

func TestReplCommands(t *testing.T) {
	server := startServer(t)
	done := make(chan error, 1)
	go func() { done <- server.Run(context.Background()) }()

	tests := []struct {
		input string
		want  string
	}{
		{"inspect backend", "Backend libinput: running"},
		{"inspect caps", "libinput-backend"},
		{"inspect session", "seat headless"},
		{"inspect renderer", "Renderer gles2"},
		{"inspect allocator", "Allocator gbm"},
		{"help", "inspect <target>"},
		{"bogus", "Unknown command"},
	}
	for _, test := range tests {
		got, err := handleCommand(server, test.input, nil)
		if err != nil {
			t.Errorf("%q: %v", test.input, err)
			continue
		}
		if !strings.Contains(got, test.want) {
			t.Errorf("%q: got %q, want it to contain %q", test.input, got, test.want)
		}
	}
	if _, err := handleCommand(server, "vt 2", nil); err == nil {
		t.Error("vt switch without an active session succeeded")
	}

	if _, err := handleCommand(server, "quit", nil); !errors.Is(err, repl.ErrQuit) {
		t.Errorf("quit: expected ErrQuit, got %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

type recordingXwayland struct {
	started  bool
	stopped  bool
	renderer bridge.Renderer
	changes  int
}

func (x *recordingXwayland) Start(outputs []bridge.Output, r bridge.Renderer) error {
	x.started = true
	x.renderer = r
	return nil
}

func (x *recordingXwayland) OutputsChanged(outputs []bridge.Output) { x.changes++ }

func (x *recordingXwayland) Stop() error {
	x.stopped = true
	return nil
}

func TestColorPipelineRunsBeforePresent(t *testing.T) {
	var seen []string
	pipeline := func(b *buffer.Buffer, p *bridge.ColorProfile) (*buffer.Buffer, error) {
		if b.Refs() < 2 {
			t.Errorf("buffer handed to the pipeline without a reference held")
		}
		seen = append(seen, p.Name)
		return b, nil
	}
	reg := capability.New(capability.LibinputBackend, capability.GLES2Renderer, capability.GBMAllocator, capability.ColorManagement)
	server := startServerWith(t, reg, Extensions{Pipeline: pipeline})
	out := &backend.Output{Name: "virtual", Mode: backend.Mode{Width: 4, Height: 4}}

	server.redraw(out)
	if len(seen) != 0 {
		t.Fatalf("pipeline ran for an output without a profile: %v", seen)
	}
	out.Profile = &bridge.ColorProfile{Name: "srgb.icc"}
	server.redraw(out)
	if len(seen) != 1 || seen[0] != "srgb.icc" {
		t.Errorf("pipeline calls: %v", seen)
	}
}

func TestXwaylandFollowsServer(t *testing.T) {
	x := &recordingXwayland{}
	conf := testConfig(t)
	if _, err := NewServer(conf, testRegistry(), nil, Extensions{Xwayland: x}); err == nil {
		t.Fatal("xwayland attached without the capability")
	}

	reg := capability.New(capability.LibinputBackend, capability.GLES2Renderer, capability.GBMAllocator, capability.Xwayland)
	server := startServerWith(t, reg, Extensions{Xwayland: x})
	if !x.started || x.renderer == nil {
		t.Fatal("bridge not started with the renderer")
	}
	server.handleEvent(event.Event{Kind: event.OutputAdded, Output: "virtual"})
	server.handleEvent(event.Event{Kind: event.OutputRemoved, Output: "virtual"})
	if x.changes != 2 {
		t.Errorf("bridge told about %d output changes, want 2", x.changes)
	}
	server.Stop()
	if !x.stopped {
		t.Error("bridge still attached after stop")
	}
}
