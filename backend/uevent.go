package backend

import (
	"bytes"
	"strings"

	"golang.org/x/sys/unix"
)

// uevent is a kernel device notification
type uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	// Node below /dev, e.g. "input/event3" or "dri/card0"
	DevName string
	Hotplug bool
}

// ueventSource delivers kernel device notifications until stop closes
type ueventSource interface {
	watch(stop <-chan struct{}, handle func(uevent))
}

// netlinkUevents listens on the kernel uevent multicast group
type netlinkUevents struct {
	fd int
}

func openUevents() (*netlinkUevents, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}
	if err = unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &netlinkUevents{fd: fd}, nil
}

func (n *netlinkUevents) watch(stop <-chan struct{}, handle func(uevent)) {
	defer unix.Close(n.fd)
	buf := make([]byte, 8192)
	for {
		ok, err := waitReadable(n.fd, stop)
		if !ok || err != nil {
			return
		}
		size, _, err := unix.Recvfrom(n.fd, buf, 0)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		if ev, ok := parseUevent(buf[:size]); ok {
			handle(ev)
		}
	}
}

// parseUevent decodes a kernel message, "action@devpath" followed by NUL separated KEY=VALUE pairs.
// Messages rebroadcast by udev are skipped
func parseUevent(msg []byte) (uevent, bool) {
	parts := bytes.Split(msg, []byte{0})
	if len(parts) == 0 {
		return uevent{}, false
	}
	header := string(parts[0])
	at := strings.IndexByte(header, '@')
	if at <= 0 || strings.HasPrefix(header, "libudev") {
		return uevent{}, false
	}
	ev := uevent{Action: header[:at], DevPath: header[at+1:]}
	for _, part := range parts[1:] {
		key, value, found := strings.Cut(string(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ACTION":
			ev.Action = value
		case "DEVPATH":
			ev.DevPath = value
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVNAME":
			ev.DevName = value
		case "HOTPLUG":
			ev.Hotplug = value == "1"
		}
	}
	return ev, true
}
