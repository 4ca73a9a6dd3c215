// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	logindDest         = "org.freedesktop.login1"
	logindPath         = dbus.ObjectPath("/org/freedesktop/login1")
	logindManagerIface = "org.freedesktop.login1.Manager"
	logindSessionIface = "org.freedesktop.login1.Session"
	logindSeatIface    = "org.freedesktop.login1.Seat"
	propertiesIface    = "org.freedesktop.DBus.Properties"
)

// LogindSeat claims the session through systemd-logind over the system bus.
// Devices are handed out by logind and get paused/revoked by it on VT switches
type LogindSeat struct {
	lock sync.Mutex

	conn        *dbus.Conn
	sessionPath dbus.ObjectPath
	seatPath    dbus.ObjectPath
	raw         chan *dbus.Signal
	signals     chan Signal
	done        chan struct{}

	// Descriptors logind sent with ResumeDevice, waiting for Resume to pick them up
	resumed map[DeviceID]int
	// Devices logind asked us to acknowledge a pause for
	pausePending map[DeviceID]bool

	log *logrus.Entry
}

func NewLogindSeat() *LogindSeat {
	return &LogindSeat{
		signals:      make(chan Signal, 32),
		resumed:      make(map[DeviceID]int),
		pausePending: make(map[DeviceID]bool),
		log:          logrus.WithField("component", "logind"),
	}
}

func (s *LogindSeat) Name() string   { return "logind" }
func (s *LogindSeat) ClaimsVT() bool { return true }

// Claim connects to the system bus, finds our session and takes control of it
func (s *LogindSeat) Claim(ctx context.Context) error {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSeatUnavailable, err)
	}
	if err = conn.Auth(nil); err != nil {
		conn.Close()
		return fmt.Errorf("%w: auth: %v", errs.ErrSeatUnavailable, err)
	}
	if err = conn.Hello(); err != nil {
		conn.Close()
		return fmt.Errorf("%w: hello: %v", errs.ErrSeatUnavailable, err)
	}
	if err = ctx.Err(); err != nil {
		conn.Close()
		return err
	}

	manager := conn.Object(logindDest, logindPath)
	var sessionPath dbus.ObjectPath
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err = manager.Call(logindManagerIface+".GetSession", 0, id).Store(&sessionPath)
	} else {
		err = manager.Call(logindManagerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&sessionPath)
	}
	if err != nil {
		conn.Close()
		return mapDBusError("find session", err)
	}

	session := conn.Object(logindDest, sessionPath)
	if err = session.Call(logindSessionIface+".TakeControl", 0, false).Err; err != nil {
		conn.Close()
		return mapDBusError("take control", err)
	}

	seatPath := dbus.ObjectPath("")
	if v, perr := session.GetProperty(logindSessionIface + ".Seat"); perr == nil {
		if parts, ok := v.Value().([]interface{}); ok && len(parts) == 2 {
			if p, ok := parts[1].(dbus.ObjectPath); ok {
				seatPath = p
			}
		}
	}

	rule := fmt.Sprintf("type='signal',sender='%s',path='%s'", logindDest, sessionPath)
	if err = conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		session.Call(logindSessionIface+".ReleaseControl", 0)
		conn.Close()
		return mapDBusError("subscribe", err)
	}

	s.lock.Lock()
	s.conn = conn
	s.sessionPath = sessionPath
	s.seatPath = seatPath
	s.raw = make(chan *dbus.Signal, 32)
	s.done = make(chan struct{})
	s.lock.Unlock()
	conn.Signal(s.raw)
	go s.translate(s.raw, s.done)

	s.log.WithFields(logrus.Fields{
		"session": sessionPath,
		"seat":    seatPath,
	}).Infoln("Took control of logind session")
	return nil
}

func (s *LogindSeat) Release() error {
	s.lock.Lock()
	conn := s.conn
	done := s.done
	s.conn = nil
	s.done = nil
	s.lock.Unlock()
	if conn == nil {
		return nil
	}
	close(done)
	err := conn.Object(logindDest, s.sessionPath).Call(logindSessionIface+".ReleaseControl", 0).Err
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	s.lock.Lock()
	for id, fd := range s.resumed {
		unix.Close(fd)
		delete(s.resumed, id)
	}
	s.lock.Unlock()
	return err
}

func (s *LogindSeat) OpenDevice(path string) (int, DeviceID, error) {
	id, err := IdentifyPath(path)
	if err != nil {
		return -1, DeviceID{}, err
	}
	session, err := s.session()
	if err != nil {
		return -1, DeviceID{}, err
	}
	var fd dbus.UnixFD
	var inactive bool
	if err = session.Call(logindSessionIface+".TakeDevice", 0, id.Major, id.Minor).Store(&fd, &inactive); err != nil {
		return -1, DeviceID{}, mapDBusError("take device "+path, err)
	}
	if inactive {
		s.log.WithField("path", path).Debugln("Took device while session is inactive")
	}
	return int(fd), id, nil
}

func (s *LogindSeat) CloseDevice(fd int, id DeviceID) error {
	var err error
	if session, serr := s.session(); serr == nil {
		err = session.Call(logindSessionIface+".ReleaseDevice", 0, id.Major, id.Minor).Err
	}
	if fd >= 0 {
		if cerr := unix.Close(fd); err == nil {
			err = cerr
		}
	}
	return err
}

// Pause acknowledges logind's pause request. DRM descriptors stay open (logind only
// dropped master), input descriptors got revoked and are closed
func (s *LogindSeat) Pause(fd int, id DeviceID) (int, error) {
	s.lock.Lock()
	pending := s.pausePending[id]
	delete(s.pausePending, id)
	s.lock.Unlock()
	var err error
	if pending {
		if session, serr := s.session(); serr == nil {
			err = session.Call(logindSessionIface+".PauseDeviceComplete", 0, id.Major, id.Minor).Err
		}
	}
	if id.Major == MajorDRM || fd < 0 {
		return fd, err
	}
	unix.Close(fd)
	return -1, err
}

// Resume picks up the descriptor logind sent along with ResumeDevice, or keeps
// the old one if logind never revoked it
func (s *LogindSeat) Resume(path string, fd int, id DeviceID) (int, DeviceID, error) {
	s.lock.Lock()
	newFd, ok := s.resumed[id]
	delete(s.resumed, id)
	s.lock.Unlock()
	if ok {
		if fd >= 0 && fd != newFd {
			unix.Close(fd)
		}
		fd = newFd
	}
	if fd < 0 {
		return -1, DeviceID{}, fmt.Errorf("logind did not resume %s", path)
	}
	current, err := IdentifyFD(fd)
	if err != nil {
		unix.Close(fd)
		return -1, DeviceID{}, err
	}
	return fd, current, nil
}

func (s *LogindSeat) Signals() <-chan Signal { return s.signals }

func (s *LogindSeat) SwitchVT(vt int) error {
	s.lock.Lock()
	conn, seatPath := s.conn, s.seatPath
	s.lock.Unlock()
	if conn == nil || seatPath == "" {
		return errs.ErrSeatUnavailable
	}
	return conn.Object(logindDest, seatPath).Call(logindSeatIface+".SwitchTo", 0, uint32(vt)).Err
}

func (s *LogindSeat) session() (dbus.BusObject, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conn == nil {
		return nil, errs.ErrSeatUnavailable
	}
	return s.conn.Object(logindDest, s.sessionPath), nil
}

func (s *LogindSeat) translate(raw chan *dbus.Signal, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-raw:
			if !ok {
				s.signals <- Signal{Kind: SignalLost, Err: errors.New("system bus connection closed")}
				return
			}
			s.handleRaw(sig)
		}
	}
}

func (s *LogindSeat) handleRaw(sig *dbus.Signal) {
	switch sig.Name {
	case logindSessionIface + ".PauseDevice":
		if len(sig.Body) < 3 {
			return
		}
		major, _ := sig.Body[0].(uint32)
		minor, _ := sig.Body[1].(uint32)
		kind, _ := sig.Body[2].(string)
		id := DeviceID{Major: major, Minor: minor}
		switch kind {
		case "gone":
			s.signals <- Signal{Kind: SignalDeviceGone, Device: id}
		case "pause":
			s.lock.Lock()
			s.pausePending[id] = true
			s.lock.Unlock()
		}
	case logindSessionIface + ".ResumeDevice":
		if len(sig.Body) < 3 {
			return
		}
		major, _ := sig.Body[0].(uint32)
		minor, _ := sig.Body[1].(uint32)
		fd, ok := sig.Body[2].(dbus.UnixFD)
		if !ok {
			s.log.WithField("body", sig.Body).Warnln("ResumeDevice without a descriptor")
			return
		}
		id := DeviceID{Major: major, Minor: minor}
		s.lock.Lock()
		if old, ok := s.resumed[id]; ok {
			unix.Close(old)
		}
		s.resumed[id] = int(fd)
		s.lock.Unlock()
	case propertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != logindSessionIface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if v, ok := changed["Active"]; ok {
			if active, ok := v.Value().(bool); ok {
				if active {
					s.signals <- Signal{Kind: SignalEnable}
				} else {
					s.signals <- Signal{Kind: SignalDisable}
				}
			}
		}
	}
}

func mapDBusError(op string, err error) error {
	var derr dbus.Error
	if errors.As(err, &derr) && strings.Contains(derr.Name, "AccessDenied") {
		return fmt.Errorf("%w: %s: %v", errs.ErrAccessDenied, op, err)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrSeatUnavailable, op, err)
}
