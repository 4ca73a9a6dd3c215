package allocator

import (
	"fmt"
	"math"
	"os"
	"unsafe"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/session"
	"github.com/mstarongithub/w2gcore/util/ioctl"
	"golang.org/x/sys/unix"
)

// UdmabufPath is where the udmabuf misc device lives
const UdmabufPath = "/dev/udmabuf"

type udmabufCreate struct {
	Memfd  uint32
	Flags  uint32
	Offset uint64
	Size   uint64
}

const udmabufFlagsCloexec = 0x01

var ioctlUdmabufCreate = ioctl.IOW('u', 0x42, unsafe.Sizeof(udmabufCreate{}))

// UdmabufProvider turns sealed memfds into dma-bufs. No GPU involved
type UdmabufProvider struct {
	dev *session.Device
}

// NewUdmabufProvider uses dev, the udmabuf node held by the session
func NewUdmabufProvider(dev *session.Device) (*UdmabufProvider, error) {
	if dev == nil || dev.Fd() < 0 {
		return nil, &errs.DeviceError{Path: UdmabufPath, Op: "udmabuf provider", Err: fmt.Errorf("device not open")}
	}
	return &UdmabufProvider{dev: dev}, nil
}

func (p *UdmabufProvider) Name() string { return "udmabuf" }

func (p *UdmabufProvider) Formats() map[buffer.Format][]buffer.Modifier {
	out := map[buffer.Format][]buffer.Modifier{}
	for _, format := range buffer.Formats() {
		out[format] = []buffer.Modifier{buffer.Linear}
	}
	return out
}

func (p *UdmabufProvider) Allocate(attrs buffer.Attributes) (buffer.Memory, error) {
	devFd := p.dev.Fd()
	if devFd < 0 {
		return nil, &errs.DeviceError{Path: p.dev.Path, Op: "allocate", Err: fmt.Errorf("device not accessible")}
	}
	stride, packed, ok := attrs.Format.Size(attrs.Width, attrs.Height)
	page := os.Getpagesize()
	if !ok || packed > math.MaxInt-page {
		return nil, fmt.Errorf("%w: %dx%d %s does not fit in memory", ErrNoMemory, attrs.Width, attrs.Height, attrs.Format)
	}
	size := (packed + page - 1) / page * page

	memfd, err := unix.MemfdCreate("w2g-udmabuf", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd: %w", err)
	}
	mem := &UdmabufMemory{memfd: memfd, dmabuf: -1, stride: stride}
	if err = unix.Ftruncate(memfd, int64(size)); err != nil {
		mem.Close()
		return nil, fmt.Errorf("size memfd: %w", err)
	}
	if _, err = unix.FcntlInt(uintptr(memfd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		mem.Close()
		return nil, fmt.Errorf("seal memfd: %w", err)
	}
	create := udmabufCreate{Memfd: uint32(memfd), Flags: udmabufFlagsCloexec, Size: uint64(size)}
	dmabuf, err := ioctl.Call(devFd, ioctlUdmabufCreate, unsafe.Pointer(&create))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("create udmabuf: %w", err)
	}
	mem.dmabuf = dmabuf
	pixels, err := unix.Mmap(memfd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("mmap memfd: %w", err)
	}
	mem.pixels = pixels[:packed]
	mem.mapping = pixels
	return mem, nil
}

// UdmabufMemory is a sealed memfd exported as a dma-buf
type UdmabufMemory struct {
	memfd   int
	dmabuf  int
	stride  int
	pixels  []byte
	mapping []byte
}

func (m *UdmabufMemory) Pixels() []byte { return m.pixels }
func (m *UdmabufMemory) DmabufFD() int  { return m.dmabuf }
func (m *UdmabufMemory) Stride() int    { return m.stride }

func (m *UdmabufMemory) Close() error {
	var firstErr error
	if m.mapping != nil {
		firstErr = unix.Munmap(m.mapping)
		m.mapping = nil
		m.pixels = nil
	}
	for _, fd := range []*int{&m.dmabuf, &m.memfd} {
		if *fd < 0 {
			continue
		}
		if err := unix.Close(*fd); err != nil && firstErr == nil {
			firstErr = err
		}
		*fd = -1
	}
	return firstErr
}
