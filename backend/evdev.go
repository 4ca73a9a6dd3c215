package backend

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"github.com/mstarongithub/w2gcore/event"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/mstarongithub/w2gcore/util/ioctl"
	"golang.org/x/sys/unix"
)

// Event types and codes out of linux/input-event-codes.h
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03

	synReport = 0

	absX        = 0x00
	absY        = 0x01
	absMTPosX   = 0x35
	keyEnter    = 28
	keyA        = 30
	btnLeft     = 0x110
	btnTouch    = 0x14a
	keyMax      = 0x2ff
	absMax      = 0x3f
	evMax       = 0x1f
	nameMaxSize = 256
)

var (
	timevalSize = int(unsafe.Sizeof(unix.Timeval{}))
	// struct input_event: a timeval, then type, code and value
	inputEventSize = timevalSize + 8
)

func eviocgname(size uintptr) uintptr { return ioctl.IOR('E', 0x06, size) }

func eviocgbit(ev, size uintptr) uintptr { return ioctl.IOR('E', 0x20+ev, size) }

type bitmap []byte

func newBitmap(max int) bitmap { return make(bitmap, max/8+1) }

func (b bitmap) has(bit int) bool {
	return bit/8 < len(b) && b[bit/8]&(1<<(bit%8)) != 0
}

// evdevFile reads one evdev node through a session descriptor
type evdevFile struct {
	fd   int
	name string
	caps InputCaps
}

func openEvdev(dev *session.Device) (evdevDevice, error) {
	fd := dev.Fd()
	if fd < 0 {
		return nil, fmt.Errorf("%s is not accessible", dev.Path)
	}
	name := make([]byte, nameMaxSize)
	if err := ioctl.Do(fd, eviocgname(uintptr(len(name))), unsafe.Pointer(&name[0])); err != nil {
		return nil, fmt.Errorf("EVIOCGNAME %s: %w", dev.Path, err)
	}
	types := newBitmap(evMax)
	if err := ioctl.Do(fd, eviocgbit(0, uintptr(len(types))), unsafe.Pointer(&types[0])); err != nil {
		return nil, fmt.Errorf("EVIOCGBIT %s: %w", dev.Path, err)
	}
	keys := newBitmap(keyMax)
	if types.has(evKey) {
		if err := ioctl.Do(fd, eviocgbit(evKey, uintptr(len(keys))), unsafe.Pointer(&keys[0])); err != nil {
			return nil, fmt.Errorf("EVIOCGBIT keys %s: %w", dev.Path, err)
		}
	}
	abs := newBitmap(absMax)
	if types.has(evAbs) {
		if err := ioctl.Do(fd, eviocgbit(evAbs, uintptr(len(abs))), unsafe.Pointer(&abs[0])); err != nil {
			return nil, fmt.Errorf("EVIOCGBIT abs %s: %w", dev.Path, err)
		}
	}
	return &evdevFile{
		fd:   fd,
		name: strings.TrimRight(string(name), "\x00"),
		caps: capsFromBits(types, keys, abs),
	}, nil
}

func capsFromBits(types, keys, abs bitmap) InputCaps {
	var caps InputCaps
	if types.has(evKey) && (keys.has(keyA) || keys.has(keyEnter)) {
		caps |= Keyboard
	}
	if types.has(evRel) || (types.has(evKey) && keys.has(btnLeft)) {
		caps |= Pointer
	}
	if types.has(evAbs) && (abs.has(absMTPosX) || keys.has(btnTouch)) {
		caps |= Touch
	}
	return caps
}

func (e *evdevFile) Name() string    { return e.name }
func (e *evdevFile) Caps() InputCaps { return e.caps }

func (e *evdevFile) Read(stop <-chan struct{}, frame func([]event.InputPayload)) error {
	buf := make([]byte, inputEventSize*64)
	var pending []event.InputPayload
	for {
		ok, err := waitReadable(e.fd, stop)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		n, err := unix.Read(e.fd, buf)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		pending = decodeInputEvents(buf[:n], pending, frame)
	}
}

// decodeInputEvents splits raw input_event records into frames ending at SYN_REPORT.
// Events after the last report are returned to be continued with the next read
func decodeInputEvents(data []byte, pending []event.InputPayload, frame func([]event.InputPayload)) []event.InputPayload {
	for len(data) >= inputEventSize {
		rec := data[timevalSize:inputEventSize]
		data = data[inputEventSize:]
		p := event.InputPayload{
			Type:  binary.NativeEndian.Uint16(rec[0:2]),
			Code:  binary.NativeEndian.Uint16(rec[2:4]),
			Value: int32(binary.NativeEndian.Uint32(rec[4:8])),
		}
		if p.Type == evSyn {
			if p.Code == synReport && len(pending) > 0 {
				frame(pending)
				pending = nil
			}
			continue
		}
		if p.Type == evAbs {
			switch p.Code {
			case absX:
				p.X = float64(p.Value)
			case absY:
				p.Y = float64(p.Value)
			}
		}
		pending = append(pending, p)
	}
	return pending
}
