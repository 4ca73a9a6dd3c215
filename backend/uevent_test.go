package backend

import (
	"strings"
	"testing"
)

func message(fields ...string) []byte {
	return []byte(strings.Join(fields, "\x00") + "\x00")
}

func TestParseUevent(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want uevent
		ok   bool
	}{
		{
			name: "drm hotplug",
			msg:  message("change@/devices/pci0000:00/0000:00:02.0/drm/card0", "ACTION=change", "SUBSYSTEM=drm", "DEVNAME=dri/card0", "HOTPLUG=1"),
			want: uevent{Action: "change", DevPath: "/devices/pci0000:00/0000:00:02.0/drm/card0", Subsystem: "drm", DevName: "dri/card0", Hotplug: true},
			ok:   true,
		},
		{
			name: "input add",
			msg:  message("add@/devices/virtual/input/input9/event7", "SUBSYSTEM=input", "DEVNAME=input/event7"),
			want: uevent{Action: "add", DevPath: "/devices/virtual/input/input9/event7", Subsystem: "input", DevName: "input/event7"},
			ok:   true,
		},
		{name: "udev rebroadcast", msg: message("libudev", "garbage"), ok: false},
		{name: "no header", msg: message("SUBSYSTEM=drm"), ok: false},
	}
	for _, test := range tests {
		got, ok := parseUevent(test.msg)
		if ok != test.ok {
			t.Errorf("%s: ok = %v", test.name, ok)
			continue
		}
		if ok && got != test.want {
			t.Errorf("%s: got %+v, want %+v", test.name, got, test.want)
		}
	}
}
