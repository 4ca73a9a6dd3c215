package backend

import (
	"fmt"

	"github.com/mstarongithub/w2gcore/bridge"
	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/sirupsen/logrus"
)

// PresentFrame queues buf for display on out and returns the fence signaled once it is on
// screen. One frame is in flight per output at most, a newer frame replaces a pending one
// (whose fence then signals ErrSuperseded). The frame is committed only after buf's render
// fence signaled. While suspended frames are held and go out after resume
func (b *Backend) PresentFrame(out *Output, buf *buffer.Buffer) (*fence.Fence, error) {
	switch b.state {
	case Running, Suspended:
	default:
		return nil, &errs.RenderError{Op: "present", Err: fmt.Errorf("%w: backend is %s", errs.ErrInvalidTransition, b.state)}
	}
	if !b.owns(out) {
		return nil, &errs.RenderError{Op: "present", Err: errs.ErrOutputGone}
	}
	if buf == nil || buf.Freed() || buf.Refs() == 0 {
		return nil, &errs.RenderError{Op: "present", Err: buffer.ErrFreed}
	}
	f := &frame{buf: buf.Acquire(), done: fence.New()}
	if old := out.pending; old != nil {
		b.finish(old, errs.ErrSuperseded)
	}
	out.pending = f
	b.pump(out)
	return f.done, nil
}

// AttachColorProfile sets the ICC profile of out, nil detaches it
func (b *Backend) AttachColorProfile(out *Output, profile *bridge.ColorProfile) error {
	if err := b.reg.Require(capability.ColorManagement, "color profile"); err != nil {
		return err
	}
	if !b.owns(out) {
		return errs.ErrOutputGone
	}
	out.Profile = profile
	return nil
}

func (b *Backend) owns(out *Output) bool {
	for _, o := range b.outputs {
		if o == out {
			return true
		}
	}
	return false
}

// pump moves the pending frame of out in flight once the output is free
func (b *Backend) pump(out *Output) {
	if b.state != Running || out.gone || out.inFlight != nil || out.pending == nil {
		return
	}
	f := out.pending
	out.pending = nil
	out.inFlight = f
	b.loop.WatchFence(f.buf.Fence(), func() { b.rendered(out, f) })
}

// rendered commits f once its pixels are ready
func (b *Backend) rendered(out *Output, f *frame) {
	if out.inFlight != f {
		return
	}
	if err := f.buf.Fence().Err(); err != nil {
		out.inFlight = nil
		b.finish(f, &errs.RenderError{Op: "present", Err: fmt.Errorf("frame was never rendered: %w", err)})
		b.emit(event.Event{Kind: event.FrameFailed, Output: out.Name, Err: err})
		b.pump(out)
		return
	}
	if b.state == Suspended {
		// Hold it until resume, unless something newer came in meanwhile
		out.inFlight = nil
		if out.pending == nil {
			out.pending = f
		} else {
			b.finish(f, errs.ErrSuperseded)
		}
		return
	}
	if err := b.drv.commit(out, f.buf); err != nil {
		out.inFlight = nil
		b.log.WithError(err).WithField("output", out.Name).Warnln("Commit failed")
		b.finish(f, &errs.RenderError{Op: "commit", Err: err})
		b.emit(event.Event{Kind: event.FrameFailed, Output: out.Name, Err: err})
		b.pump(out)
		return
	}
	f.committed = true
}

// flipped is called by drivers once the committed frame of out is on screen
func (b *Backend) flipped(out *Output) {
	f := out.inFlight
	if f == nil || !f.committed {
		return
	}
	out.inFlight = nil
	b.retireCurrent(out)
	out.current = f.buf.Acquire()
	out.scanout = fence.New()
	out.current.AddReadFence(out.scanout)
	b.finish(f, nil)
	b.emit(event.Event{Kind: event.FramePresented, Output: out.Name})
	if b.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		b.log.WithFields(logrus.Fields{"output": out.Name, "buffer": out.current.ID}).Debugln("Frame presented")
	}
	b.pump(out)
}

// retireCurrent takes the buffer on screen off it
func (b *Backend) retireCurrent(out *Output) {
	if out.current == nil {
		return
	}
	b.drv.retire(out, out.current)
	out.scanout.Signal(nil)
	out.current.Release()
	out.current = nil
	out.scanout = nil
}

func (b *Backend) cancelFrames(out *Output, reason error) {
	if out.pending != nil {
		b.finish(out.pending, reason)
		out.pending = nil
	}
	if out.inFlight != nil {
		b.finish(out.inFlight, reason)
		out.inFlight = nil
	}
}

func (b *Backend) finish(f *frame, err error) {
	f.done.Signal(err)
	f.buf.Release()
}
