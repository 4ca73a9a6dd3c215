package ioctl

import "testing"

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		// Values as found in the kernel headers
		{"DRM_IOCTL_SET_MASTER", IO('d', 0x1e), 0x641e},
		{"DRM_IOCTL_MODE_CREATE_DUMB", IOWR('d', 0xb2, 32), 0xc02064b2},
		{"DRM_IOCTL_PRIME_HANDLE_TO_FD", IOWR('d', 0x2d, 12), 0xc00c642d},
		{"UDMABUF_CREATE", IOW('u', 0x42, 24), 0x40187542},
		{"EVIOCGVERSION", IOR('E', 0x01, 4), 0x80044501},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("%s: got %#x, want %#x", test.name, test.got, test.want)
		}
	}
}
