package allocator

import (
	"fmt"
	"unsafe"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/mstarongithub/w2gcore/util/ioctl"
	"golang.org/x/sys/unix"
)

type drmModeCreateDumb struct {
	Height uint32
	Width  uint32
	Bpp    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

type drmModeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

type drmModeDestroyDumb struct {
	Handle uint32
}

type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

var (
	ioctlCreateDumb      = ioctl.IOWR('d', 0xb2, unsafe.Sizeof(drmModeCreateDumb{}))
	ioctlMapDumb         = ioctl.IOWR('d', 0xb3, unsafe.Sizeof(drmModeMapDumb{}))
	ioctlDestroyDumb     = ioctl.IOWR('d', 0xb4, unsafe.Sizeof(drmModeDestroyDumb{}))
	ioctlPrimeHandleToFD = ioctl.IOWR('d', 0x2d, unsafe.Sizeof(drmPrimeHandle{}))
)

// DumbProvider allocates scanout capable buffers on a DRM card and exports them as dma-bufs.
// It backs the GBM variant
type DumbProvider struct {
	dev *session.Device
}

// NewDumbProvider allocates on dev, a card node held by the session
func NewDumbProvider(dev *session.Device) (*DumbProvider, error) {
	if dev == nil || dev.Fd() < 0 {
		return nil, &errs.DeviceError{Op: "dumb buffer provider", Err: fmt.Errorf("no usable card")}
	}
	var caps uint64
	if err := drmGetCap(dev.Fd(), drmCapDumbBuffer, &caps); err != nil || caps == 0 {
		return nil, &errs.DeviceError{Path: dev.Path, Op: "probe dumb buffers", Err: fmt.Errorf("not supported: %v", err)}
	}
	return &DumbProvider{dev: dev}, nil
}

func (p *DumbProvider) Name() string { return "drm-dumb" }

func (p *DumbProvider) Formats() map[buffer.Format][]buffer.Modifier {
	// Dumb buffers are always linear, implicit resolves to that
	mods := []buffer.Modifier{buffer.Linear, buffer.Invalid}
	out := map[buffer.Format][]buffer.Modifier{}
	for _, format := range buffer.Formats() {
		out[format] = mods
	}
	return out
}

func (p *DumbProvider) Allocate(attrs buffer.Attributes) (buffer.Memory, error) {
	fd := p.dev.Fd()
	if fd < 0 {
		return nil, &errs.DeviceError{Path: p.dev.Path, Op: "allocate", Err: fmt.Errorf("card not accessible")}
	}
	create := drmModeCreateDumb{
		Width:  uint32(attrs.Width),
		Height: uint32(attrs.Height),
		Bpp:    uint32(attrs.Format.BytesPerPixel() * 8),
	}
	if err := ioctl.Do(fd, ioctlCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("create dumb buffer: %w", err)
	}
	mem := &DumbMemory{cardFd: fd, handle: create.Handle, stride: int(create.Pitch), prime: -1}

	mapReq := drmModeMapDumb{Handle: create.Handle}
	if err := ioctl.Do(fd, ioctlMapDumb, unsafe.Pointer(&mapReq)); err != nil {
		mem.Close()
		return nil, fmt.Errorf("map dumb buffer: %w", err)
	}
	pixels, err := unix.Mmap(fd, int64(mapReq.Offset), int(create.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	mem.pixels = pixels

	prime := drmPrimeHandle{Handle: create.Handle, Flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := ioctl.Do(fd, ioctlPrimeHandleToFD, unsafe.Pointer(&prime)); err != nil {
		mem.Close()
		return nil, fmt.Errorf("export dumb buffer: %w", err)
	}
	mem.prime = int(prime.Fd)
	return mem, nil
}

// DumbMemory is a mapped DRM dumb buffer
type DumbMemory struct {
	cardFd int
	handle uint32
	stride int
	pixels []byte
	prime  int
}

func (m *DumbMemory) Pixels() []byte { return m.pixels }
func (m *DumbMemory) DmabufFD() int  { return m.prime }
func (m *DumbMemory) Stride() int    { return m.stride }

// Handle returns the GEM handle on the card the buffer was created on
func (m *DumbMemory) Handle() uint32 { return m.handle }

func (m *DumbMemory) Close() error {
	var firstErr error
	if m.pixels != nil {
		firstErr = unix.Munmap(m.pixels)
		m.pixels = nil
	}
	if m.prime >= 0 {
		if err := unix.Close(m.prime); err != nil && firstErr == nil {
			firstErr = err
		}
		m.prime = -1
	}
	if m.handle != 0 {
		destroy := drmModeDestroyDumb{Handle: m.handle}
		if err := ioctl.Do(m.cardFd, ioctlDestroyDumb, unsafe.Pointer(&destroy)); err != nil && firstErr == nil {
			firstErr = err
		}
		m.handle = 0
	}
	return firstErr
}

const drmCapDumbBuffer = 0x1

type drmGetCapReq struct {
	Capability uint64
	Value      uint64
}

var ioctlGetCap = ioctl.IOWR('d', 0x0c, unsafe.Sizeof(drmGetCapReq{}))

func drmGetCap(fd int, capability uint64, value *uint64) error {
	req := drmGetCapReq{Capability: capability}
	if err := ioctl.Do(fd, ioctlGetCap, unsafe.Pointer(&req)); err != nil {
		return err
	}
	*value = req.Value
	return nil
}
