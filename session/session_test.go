package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mstarongithub/w2gcore/capability"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/loop"
)

type recorder struct {
	calls []string
	lost  []*Device
	err   error
}

func (r *recorder) SessionSuspended() { r.calls = append(r.calls, "suspended") }
func (r *recorder) SessionResumed()   { r.calls = append(r.calls, "resumed") }
func (r *recorder) SessionDeviceLost(dev *Device) {
	r.calls = append(r.calls, "lost")
	r.lost = append(r.lost, dev)
}
func (r *recorder) SessionLost(err error) {
	r.calls = append(r.calls, "session-lost")
	r.err = err
}

type eventLog struct {
	lock   sync.Mutex
	events []event.Event
}

func (l *eventLog) Send(e event.Event) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) kinds() []event.Kind {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := []event.Kind{}
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

var (
	cardID  = DeviceID{Major: MajorDRM, Minor: 0}
	inputID = DeviceID{Major: MajorInput, Minor: 64}
)

func newTestSession(t *testing.T) (*Manager, *HeadlessSeat, *eventLog) {
	t.Helper()
	seat := NewHeadlessSeat()
	seat.AddDevice("/dev/dri/card0", cardID)
	seat.AddDevice("/dev/input/event0", inputID)
	events := &eventLog{}
	m, err := New(Options{Seat: seat, Registry: capability.Compiled(), Events: events})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, seat, events
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("no /proc/self/fd: %v", err)
	}
	return len(entries)
}

func TestAcquireActivates(t *testing.T) {
	m, _, _ := newTestSession(t)
	if m.State() != Inactive {
		t.Fatalf("fresh session is %s", m.State())
	}
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0", "/dev/input/event0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if m.State() != Active {
		t.Errorf("state after acquire is %s", m.State())
	}
	if len(devs) != 2 || devs[0].ID != cardID || devs[1].ID != inputID {
		t.Errorf("unexpected devices %v", devs)
	}
	for _, dev := range devs {
		if dev.Fd() < 0 {
			t.Errorf("%s has no descriptor", dev)
		}
	}
	again, err := m.Acquire(context.Background(), "/dev/dri/card0")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again[0] != devs[0] {
		t.Error("acquiring an open path must return the held device")
	}
}

func TestClaimFailureStaysInactive(t *testing.T) {
	m, seat, _ := newTestSession(t)
	seat.ClaimErr = errs.ErrSeatUnavailable
	_, err := m.Acquire(context.Background(), "/dev/dri/card0")
	var serr *errs.SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected a SessionError, got %v", err)
	}
	if !errors.Is(err, errs.ErrSeatUnavailable) {
		t.Errorf("cause lost: %v", err)
	}
	if m.State() != Inactive {
		t.Errorf("state after failed claim is %s", m.State())
	}
	seat.ClaimErr = nil
	if _, err = m.Acquire(context.Background(), "/dev/dri/card0"); err != nil {
		t.Errorf("retry after failed claim: %v", err)
	}
}

func TestAcquireFailureClosesPartialWork(t *testing.T) {
	m, _, _ := newTestSession(t)
	before := openFDs(t)
	_, err := m.Acquire(context.Background(), "/dev/dri/card0", "/dev/missing")
	if err == nil {
		t.Fatal("acquiring a missing node succeeded")
	}
	if m.State() != Inactive {
		t.Errorf("state is %s", m.State())
	}
	if len(m.Devices()) != 0 {
		t.Errorf("devices left behind: %v", m.Devices())
	}
	if after := openFDs(t); after != before {
		t.Errorf("descriptor count changed from %d to %d", before, after)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _, _ := newTestSession(t)
	if err := m.Suspend(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("suspend while inactive: %v", err)
	}
	if err := m.Resume(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("resume while inactive: %v", err)
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Resume(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("resume while active: %v", err)
	}
	if err := m.Suspend(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(context.Background(), "/dev/dri/card0"); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("acquire while suspended: %v", err)
	}
	if err := m.Suspend(); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("double suspend: %v", err)
	}
	m.Close()
	if _, err := m.Acquire(context.Background()); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("acquire after close: %v", err)
	}
}

func TestSuspendResumeKeepsIdentity(t *testing.T) {
	m, _, events := newTestSession(t)
	rec := &recorder{}
	m.AddListener(rec)
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0", "/dev/input/event0")
	if err != nil {
		t.Fatal(err)
	}
	before := openFDs(t)

	if err = m.Suspend(); err != nil {
		t.Fatal(err)
	}
	for _, dev := range devs {
		if !dev.Paused() || dev.Fd() != -1 {
			t.Errorf("%s still accessible while suspended", dev)
		}
	}
	if err = m.Resume(); err != nil {
		t.Fatal(err)
	}
	if m.State() != Active {
		t.Errorf("state after resume is %s", m.State())
	}
	if devs[0].ID != cardID || devs[1].ID != inputID {
		t.Errorf("identities changed: %v", devs)
	}
	for _, dev := range devs {
		if dev.Paused() || dev.Fd() < 0 {
			t.Errorf("%s not restored", dev)
		}
	}
	if after := openFDs(t); after != before {
		t.Errorf("descriptor count changed from %d to %d", before, after)
	}
	if len(rec.calls) != 2 || rec.calls[0] != "suspended" || rec.calls[1] != "resumed" {
		t.Errorf("listener calls %v", rec.calls)
	}
	kinds := events.kinds()
	if len(kinds) != 2 || kinds[0] != event.SessionSuspended || kinds[1] != event.SessionResumed {
		t.Errorf("events %v", kinds)
	}
}

func TestLostDeviceOnResume(t *testing.T) {
	m, seat, events := newTestSession(t)
	rec := &recorder{}
	m.AddListener(rec)
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0", "/dev/input/event0")
	if err != nil {
		t.Fatal(err)
	}
	m.Suspend()
	seat.RemoveDevice("/dev/input/event0")
	if err = m.Resume(); err != nil {
		t.Fatal(err)
	}
	if len(rec.lost) != 1 || rec.lost[0] != devs[1] {
		t.Fatalf("lost devices %v", rec.lost)
	}
	if !devs[1].Lost() || devs[1].Fd() != -1 {
		t.Error("lost device still usable")
	}
	if len(m.Devices()) != 1 {
		t.Errorf("session still holds %d devices", len(m.Devices()))
	}
	want := []string{"suspended", "lost", "resumed"}
	for i, call := range want {
		if i >= len(rec.calls) || rec.calls[i] != call {
			t.Fatalf("listener calls %v, want %v", rec.calls, want)
		}
	}
	found := false
	for _, e := range events.events {
		if e.Kind == event.SessionDeviceLost && e.Device == "/dev/input/event0" {
			found = true
		}
	}
	if !found {
		t.Error("no device-lost event")
	}
}

func TestIdentityMismatchIsLost(t *testing.T) {
	m, seat, _ := newTestSession(t)
	rec := &recorder{}
	m.AddListener(rec)
	if _, err := m.Acquire(context.Background(), "/dev/dri/card0"); err != nil {
		t.Fatal(err)
	}
	m.Suspend()
	seat.AddDevice("/dev/dri/card0", DeviceID{Major: MajorDRM, Minor: 1})
	before := openFDs(t)
	m.Resume()
	if len(rec.lost) != 1 {
		t.Fatalf("replaced node not reported lost: %v", rec.calls)
	}
	if after := openFDs(t); after != before {
		t.Errorf("mismatched descriptor leaked: %d -> %d", before, after)
	}
}

func TestCloseIdempotentAndGuard(t *testing.T) {
	seat := NewHeadlessSeat()
	m, err := New(Options{Seat: seat, Registry: capability.Compiled()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = New(Options{Seat: seat, Registry: capability.Compiled()}); !errors.Is(err, errs.ErrSessionExists) {
		t.Errorf("second live session: %v", err)
	}
	if err = m.Close(); err != nil {
		t.Fatal(err)
	}
	if err = m.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if m.State() != Closed {
		t.Errorf("state is %s", m.State())
	}
	other, err := New(Options{Seat: seat, Registry: capability.Compiled()})
	if err != nil {
		t.Fatalf("new session after close: %v", err)
	}
	other.Close()
}

func TestLogindNeedsSessionCapability(t *testing.T) {
	reg := capability.New(capability.DRMBackend)
	_, err := New(Options{Seat: NewLogindSeat(), Registry: reg})
	var cerr *errs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a ConfigurationError, got %v", err)
	}
}

func TestReleaseDeviceOwnership(t *testing.T) {
	m, _, _ := newTestSession(t)
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0")
	if err != nil {
		t.Fatal(err)
	}
	if err = m.ReleaseDevice(devs[0]); err != nil {
		t.Fatal(err)
	}
	if err = m.ReleaseDevice(devs[0]); !errors.Is(err, errs.ErrNotOwned) {
		t.Errorf("double release: %v", err)
	}
	if err = m.ReleaseDevice(&Device{Path: "/dev/foreign"}); !errors.Is(err, errs.ErrNotOwned) {
		t.Errorf("foreign release: %v", err)
	}
}

func TestWatchDrivesStateMachine(t *testing.T) {
	m, seat, _ := newTestSession(t)
	rec := &recorder{}
	m.AddListener(rec)
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0")
	if err != nil {
		t.Fatal(err)
	}
	l := loop.New()
	m.Watch(l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = m.SwitchVT(2); err != nil {
		t.Fatal(err)
	}
	if err = l.DispatchUntil(ctx, func() bool { return m.State() == Suspended }); err != nil {
		t.Fatalf("waiting for suspend: %v", err)
	}
	seat.Emit(Signal{Kind: SignalEnable})
	if err = l.DispatchUntil(ctx, func() bool { return m.State() == Active }); err != nil {
		t.Fatalf("waiting for resume: %v", err)
	}
	seat.Emit(Signal{Kind: SignalDeviceGone, Device: cardID})
	if err = l.DispatchUntil(ctx, func() bool { return devs[0].Lost() }); err != nil {
		t.Fatalf("waiting for unplug: %v", err)
	}
	seat.Emit(Signal{Kind: SignalLost, Err: errors.New("seat daemon exited")})
	if err = l.DispatchUntil(ctx, func() bool { return m.State() == Closed }); err != nil {
		t.Fatalf("waiting for loss: %v", err)
	}
	if rec.err == nil {
		t.Fatal("listener not told about the lost seat")
	}
	var serr *errs.SessionError
	if !errors.As(rec.err, &serr) {
		t.Errorf("seat loss should be a SessionError, got %v", rec.err)
	}
}

type releasingListener struct {
	m    *Manager
	devs []*Device
	open int
	err  error
}

func (r *releasingListener) SessionSuspended()         {}
func (r *releasingListener) SessionResumed()           {}
func (r *releasingListener) SessionDeviceLost(*Device) {}
func (r *releasingListener) SessionLost(err error) {
	r.err = err
	for _, dev := range r.devs {
		if dev.Fd() >= 0 {
			r.open++
		}
		if rerr := r.m.ReleaseDevice(dev); rerr != nil {
			r.err = rerr
		}
	}
	r.m.RemoveListener(r)
}

func TestCloseTellsListeners(t *testing.T) {
	m, _, _ := newTestSession(t)
	devs, err := m.Acquire(context.Background(), "/dev/dri/card0", "/dev/input/event0")
	if err != nil {
		t.Fatal(err)
	}
	owner := &releasingListener{m: m, devs: devs}
	rec := &recorder{}
	m.AddListener(owner)
	m.AddListener(rec)

	if err = m.Close(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(owner.err, errs.ErrDestroyed) {
		t.Errorf("device owner got %v", owner.err)
	}
	if owner.open != len(devs) {
		t.Errorf("%d of %d devices were still open when the owner heard about it", owner.open, len(devs))
	}
	if len(rec.calls) != 1 || rec.calls[0] != "session-lost" {
		t.Errorf("listener calls: %v", rec.calls)
	}
	if len(m.Devices()) != 0 || m.State() != Closed {
		t.Errorf("state %s with %d devices", m.State(), len(m.Devices()))
	}

	m.Close()
	if len(rec.calls) != 1 {
		t.Errorf("second close notified again: %v", rec.calls)
	}
}
