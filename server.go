package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"time"

	"github.com/mstarongithub/w2gcore/allocator"
	"github.com/mstarongithub/w2gcore/backend"
	"github.com/mstarongithub/w2gcore/bridge"
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/config"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/gpu"
	"github.com/mstarongithub/w2gcore/loop"
	"github.com/mstarongithub/w2gcore/renderer"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/mstarongithub/w2gcore/util/multiplexer"
	"github.com/sirupsen/logrus"
)

// Buffers per output. One on screen, one being drawn
const swapchainLength = 2

// How long Stop waits for in flight buffers before giving up on them
const drainTimeout = 2 * time.Second

var errNoIdleBuffer = errors.New("every buffer of the output is still in use")

// Server wires one backend, renderer and allocator together and keeps a test pattern on
// every output. Apart from NewServer and Run, methods must be called from the dispatch loop
type Server struct {
	conf *config.Config
	reg  capability.Registry
	loop *loop.Loop
	mux  *event.Mux
	// Every event the server handled, for repl watchers
	tap *multiplexer.OneToMany[event.Envelope]

	session   *session.Manager
	backend   *backend.Backend
	device    *gpu.Device
	renderer  *renderer.Renderer
	allocator *allocator.Allocator
	format    buffer.Format

	chains     map[*backend.Output]*swapchain
	background color.RGBA
	pipeline   bridge.ColorPipeline
	xwayland   *bridge.XwaylandSession
	frames     uint64

	cancelPump context.CancelFunc
	started    bool
	stopped    bool
	log        *logrus.Entry
}

type swapchain struct {
	width, height int
	buffers       []*buffer.Buffer
}

// next returns a buffer nobody reads or writes anymore, nil if all are busy
func (c *swapchain) next() *buffer.Buffer {
	for _, b := range c.buffers {
		if b.Idle() {
			return b
		}
	}
	return nil
}

func (c *swapchain) release(alloc *allocator.Allocator) {
	for _, b := range c.buffers {
		if err := alloc.Release(b); err != nil {
			logrus.WithError(err).WithField("buffer", b.ID).Warnln("Releasing swapchain buffer failed")
		}
	}
	c.buffers = nil
}

// Extensions are the optional collaborators living outside the core
type Extensions struct {
	// Runs between composite and present on outputs with a color profile
	Pipeline bridge.ColorPipeline
	// Attached once rendering is up and told about every output change
	Xwayland bridge.Xwayland
}

func newSeat(kind string) (session.Seat, error) {
	switch kind {
	case "logind":
		return session.NewLogindSeat(), nil
	case "direct":
		return session.NewDirectSeat(), nil
	case "headless":
		return session.NewHeadlessSeat(), nil
	default:
		return nil, &errs.ConfigurationError{Component: "seat", Variant: kind, Reason: "unknown seat"}
	}
}

// NewServer builds the session and backend conf asks for. Nothing gets opened yet.
// seat overrides conf.Seat when set. The nested X11 backend runs without a session
func NewServer(conf *config.Config, reg capability.Registry, seat session.Seat, ext Extensions) (*Server, error) {
	background, err := conf.Frame.Color()
	if err != nil {
		return nil, err
	}
	server := &Server{
		conf:       conf,
		reg:        reg,
		loop:       loop.New(),
		mux:        event.NewMux(),
		tap:        multiplexer.NewOneToMany[event.Envelope](64),
		chains:     map[*backend.Output]*swapchain{},
		background: background,
		pipeline:   ext.Pipeline,
		log:        logrus.WithField("component", "server"),
	}

	variant := backend.Variant(conf.Backend.Variant)
	if variant != backend.X11 {
		if seat == nil {
			if seat, err = newSeat(conf.Seat.Kind); err != nil {
				return nil, err
			}
		}
		sessionEvents, err := server.mux.Source("session")
		if err != nil {
			return nil, err
		}
		server.session, err = session.New(session.Options{Seat: seat, Registry: reg, Events: sessionEvents})
		if err != nil {
			return nil, err
		}
	}

	backendEvents, err := server.mux.Source(string(variant))
	if err != nil {
		server.closeSession()
		return nil, err
	}
	windows := make([]backend.Mode, 0, len(conf.Backend.Outputs))
	for _, geometry := range conf.Backend.Outputs {
		windows = append(windows, backend.Mode{Width: geometry.Width, Height: geometry.Height})
	}
	server.backend, err = backend.New(reg, variant, backend.Options{
		Loop:      server.loop,
		Events:    backendEvents,
		Card:      conf.Backend.Card,
		InputGlob: conf.Backend.InputGlob,
		Display:   conf.Backend.Display,
		Windows:   windows,
	})
	if err != nil {
		server.closeSession()
		return nil, err
	}
	if ext.Xwayland != nil {
		if server.xwayland, err = bridge.NewXwaylandSession(reg, ext.Xwayland, server.backend); err != nil {
			server.closeSession()
			return nil, err
		}
	}
	return server, nil
}

// Start brings the backend up and creates the renderer and allocator for it.
// Outputs get their first frame once their OutputAdded event comes through the loop
func (server *Server) Start(ctx context.Context) error {
	if server.started {
		return fmt.Errorf("%w: server already started", errs.ErrInvalidTransition)
	}
	server.started = true
	pumpCtx, cancel := context.WithCancel(context.Background())
	server.cancelPump = cancel
	go server.pump(pumpCtx)

	if err := server.backend.Start(ctx, server.session); err != nil {
		server.Stop()
		return err
	}
	if server.session != nil {
		server.session.Watch(server.loop)
	}
	if err := server.setupRendering(ctx); err != nil {
		server.Stop()
		return err
	}
	if server.xwayland != nil {
		if err := server.xwayland.Start(server.renderer); err != nil {
			server.Stop()
			return err
		}
	}
	server.log.WithFields(logrus.Fields{
		"backend":   server.backend.Variant(),
		"renderer":  server.renderer.Variant(),
		"allocator": server.allocator.Variant(),
		"format":    server.format,
	}).Infoln("Server started")
	return nil
}

func (server *Server) setupRendering(ctx context.Context) error {
	path := server.conf.Renderer.Device
	if path == "" {
		path = server.backend.RenderDevice()
	}
	if path == "" {
		server.device = gpu.NewHeadless(false)
	} else if dev, err := gpu.Open(path); err != nil {
		server.log.WithError(err).WithField("device", path).Warnln("Render device unusable, rendering without one")
		server.device = gpu.NewHeadless(false)
	} else {
		server.device = dev
	}

	variant := renderer.Variant(server.conf.Renderer.Variant)
	if variant == "" {
		var err error
		if variant, err = renderer.Select(server.reg, server.device); err != nil {
			return err
		}
	}
	r, err := renderer.New(server.reg, server.loop, variant)
	if err != nil {
		return err
	}
	if err = r.CreateContext(server.device); err != nil {
		return err
	}
	server.renderer = r

	provider, err := server.memoryProvider(ctx)
	if err != nil {
		return err
	}
	server.allocator, err = allocator.New(server.reg, server.loop, allocator.Variant(server.conf.Allocator.Variant), provider)
	if err != nil {
		return err
	}
	server.format, err = server.pickFormat()
	return err
}

// memoryProvider picks where buffer memory comes from. Heap memory stands in whenever
// there is no device to allocate from
func (server *Server) memoryProvider(ctx context.Context) (allocator.Provider, error) {
	if limit := server.conf.Allocator.HeapLimit; limit > 0 || server.session == nil {
		return allocator.NewHeapProvider(limit), nil
	}
	if allocator.Variant(server.conf.Allocator.Variant) == allocator.Udmabuf {
		devs, err := server.session.Acquire(ctx, allocator.UdmabufPath)
		if err != nil {
			return nil, err
		}
		return allocator.NewUdmabufProvider(devs[0])
	}
	for _, dev := range server.session.Devices() {
		if dev.ID.Major == session.MajorDRM && dev.Path == server.backend.CardPath() {
			return allocator.NewDumbProvider(dev)
		}
	}
	server.log.Infoln("No display card open, allocating from the heap")
	return allocator.NewHeapProvider(0), nil
}

// pickFormat finds a format both the allocator and the renderer handle, XRGB8888 first
func (server *Server) pickFormat() (buffer.Format, error) {
	formats := server.allocator.Formats()
	for _, format := range append([]buffer.Format{buffer.XRGB8888}, buffer.Formats()...) {
		for _, mod := range formats[format] {
			if server.device.Features.Supports(format, mod) {
				return format, nil
			}
		}
	}
	return 0, &errs.AllocationError{Kind: errs.UnsupportedFormat}
}

// pump moves events from the multiplexer onto the loop, in the order they were accepted
func (server *Server) pump(ctx context.Context) {
	for {
		env, err := server.mux.Next(ctx)
		if err != nil {
			return
		}
		server.tap.Send(env)
		server.loop.Post(func() { server.handleEvent(env.Value) })
	}
}

func (server *Server) handleEvent(e event.Event) {
	if server.stopped {
		return
	}
	switch e.Kind {
	case event.OutputAdded, event.OutputModeChanged:
		if out := server.output(e.Output); out != nil {
			server.redraw(out)
		}
		server.refreshXwayland()
	case event.OutputRemoved:
		for out := range server.chains {
			if out.Gone() {
				server.dropChain(out)
			}
		}
		server.refreshXwayland()
	case event.BackendResumed:
		server.redrawAll()
	case event.BackendLost, event.SessionLost:
		server.log.WithError(e.Err).WithField("event", e.Kind).Errorln("Lost the hardware, stopping")
		server.Stop()
	case event.Input:
		server.log.WithField("event", e).Debugln("Input")
	}
}

func (server *Server) refreshXwayland() {
	if server.xwayland != nil {
		server.xwayland.Refresh()
	}
}

func (server *Server) output(name string) *backend.Output {
	for _, out := range server.backend.Outputs() {
		if out.Name == name {
			return out
		}
	}
	return nil
}

func (server *Server) redrawAll() {
	for _, out := range server.backend.Outputs() {
		server.redraw(out)
	}
}

// redraw paints a new frame for out and queues it for presentation
func (server *Server) redraw(out *backend.Output) {
	if server.renderer == nil || server.stopped {
		return
	}
	log := server.log.WithField("output", out.Name)
	buf, err := server.paint(out)
	if err != nil {
		log.WithError(err).Warnln("Painting frame failed")
		return
	}
	if out.Profile != nil {
		if buf, err = bridge.ApplyColor(server.reg, server.pipeline, buf, out.Profile); err != nil {
			log.WithError(err).Warnln("Color pipeline failed")
			return
		}
	}
	done, err := server.backend.PresentFrame(out, buf)
	if err != nil {
		log.WithError(err).Warnln("Presenting frame failed")
		return
	}
	server.frames++
	server.loop.WatchFence(done, func() {
		if err := done.Err(); err != nil && !errors.Is(err, errs.ErrSuperseded) {
			log.WithError(err).Debugln("Frame never reached the screen")
		}
	})
}

// paint composites the test pattern into the next free buffer of out's swapchain
func (server *Server) paint(out *backend.Output) (*buffer.Buffer, error) {
	w, h := out.Mode.Width, out.Mode.Height
	chain := server.chains[out]
	if chain != nil && (chain.width != w || chain.height != h) {
		server.dropChain(out)
		chain = nil
	}
	if chain == nil {
		chain = &swapchain{width: w, height: h}
		for i := 0; i < swapchainLength; i++ {
			buf, err := server.allocator.Allocate(w, h, server.format, nil)
			if err != nil {
				chain.release(server.allocator)
				return nil, err
			}
			chain.buffers = append(chain.buffers, buf)
		}
		server.chains[out] = chain
	}

	buf := chain.next()
	if buf == nil {
		return nil, errNoIdleBuffer
	}
	img, err := server.renderer.ImportBuffer(buf)
	if err != nil {
		return nil, err
	}
	defer img.Release()
	if _, err = server.renderer.Composite(img, server.pattern(w, h)); err != nil {
		return nil, err
	}
	return buf, nil
}

// pattern is the background with a lighter band along the top edge
func (server *Server) pattern(w, h int) []renderer.Layer {
	bg := server.background
	accent := color.RGBA{
		R: bg.R + (255-bg.R)/2,
		G: bg.G + (255-bg.G)/2,
		B: bg.B + (255-bg.B)/2,
		A: 255,
	}
	band := h / 8
	if band == 0 {
		band = 1
	}
	return []renderer.Layer{
		{Color: bg},
		{Color: accent, Dst: image.Rect(0, 0, w, band)},
	}
}

func (server *Server) dropChain(out *backend.Output) {
	if chain, ok := server.chains[out]; ok {
		chain.release(server.allocator)
		delete(server.chains, out)
	}
}

// Run dispatches until the server stops or ctx ends, then tears everything down
func (server *Server) Run(ctx context.Context) error {
	err := server.loop.Run(ctx)
	if !server.stopped {
		server.Stop()
	}
	if errors.Is(err, loop.ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop releases everything in reverse order of creation. Stopping twice is a no-op
func (server *Server) Stop() {
	if server.stopped {
		return
	}
	server.stopped = true
	if server.xwayland != nil {
		if err := server.xwayland.Stop(); err != nil {
			server.log.WithError(err).Warnln("Detaching xwayland failed")
		}
	}
	for out := range server.chains {
		server.dropChain(out)
	}
	if server.backend.State() != backend.Uninitialized {
		if err := server.backend.Stop(); err != nil {
			server.log.WithError(err).Warnln("Stopping backend failed")
		}
	}
	if server.allocator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := server.allocator.Destroy(ctx); err != nil {
			server.log.WithError(err).Warnln("Allocator did not drain")
		}
		cancel()
	}
	if server.renderer != nil {
		server.renderer.DestroyContext()
	} else if server.device != nil {
		server.device.Close()
	}
	server.closeSession()
	if server.cancelPump != nil {
		server.cancelPump()
	}
	server.mux.Close()
	server.tap.Close()
	server.loop.Stop()
	server.log.Infoln("Server stopped")
}

func (server *Server) closeSession() {
	if server.session == nil {
		return
	}
	if err := server.session.Close(); err != nil {
		server.log.WithError(err).Warnln("Closing session failed")
	}
}

// Inspect runs fn on the dispatch loop and waits for it, for callers on other goroutines
func (server *Server) Inspect(fn func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	return server.loop.Sync(ctx, fn)
}

// SetColorProfile loads an ICC profile from path and attaches it to the named output.
// An empty path detaches the current one
func (server *Server) SetColorProfile(name, path string) error {
	out := server.output(name)
	if out == nil {
		return fmt.Errorf("output %s: %w", name, errs.ErrOutputGone)
	}
	var profile *bridge.ColorProfile
	if path != "" {
		icc, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		profile = &bridge.ColorProfile{Name: path, ICC: icc}
	}
	if err := server.backend.AttachColorProfile(out, profile); err != nil {
		return err
	}
	server.redraw(out)
	return nil
}
