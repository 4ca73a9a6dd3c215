package backend

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/mstarongithub/w2gcore/buffer"
	"github.com/mstarongithub/w2gcore/util/ioctl"
	"golang.org/x/sys/unix"
)

// kmsDevice is the mode setting side of a DRM card
type kmsDevice interface {
	// Connectors lists every connector, with a CRTC assigned to the connected ones
	Connectors() ([]kmsConnector, error)
	AddFB(b *buffer.Buffer) (uint32, error)
	RemoveFB(fb uint32) error
	SetCrtc(crtc, connector, fb uint32, mode Mode) error
	DisableCrtc(crtc uint32) error
	// PageFlip schedules fb on crtc at the next vblank. Completion goes through WatchFlips
	PageFlip(crtc, fb uint32) error
	// WatchFlips calls flipped for every completed page flip until stop closes
	WatchFlips(stop <-chan struct{}, flipped func(crtc uint32))
}

type kmsConnector struct {
	ID        uint32
	Name      string
	Connected bool
	Modes     []Mode
	Crtc      uint32
}

type drmModeInfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

type drmModeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

type drmModeFbCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifier    [4]uint64
}

type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X                uint32
	Y                uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             drmModeInfo
}

type drmModeCrtcPageFlip struct {
	CrtcID   uint32
	FbID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

var (
	ioctlModeGetResources = ioctl.IOWR('d', 0xa0, unsafe.Sizeof(drmModeCardRes{}))
	ioctlModeSetCrtc      = ioctl.IOWR('d', 0xa2, unsafe.Sizeof(drmModeCrtc{}))
	ioctlModeGetEncoder   = ioctl.IOWR('d', 0xa6, unsafe.Sizeof(drmModeGetEncoder{}))
	ioctlModeGetConnector = ioctl.IOWR('d', 0xa7, unsafe.Sizeof(drmModeGetConnector{}))
	ioctlModeRmFB         = ioctl.IOWR('d', 0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModePageFlip     = ioctl.IOWR('d', 0xb0, unsafe.Sizeof(drmModeCrtcPageFlip{}))
	ioctlModeAddFB2       = ioctl.IOWR('d', 0xb8, unsafe.Sizeof(drmModeFbCmd2{}))
	ioctlPrimeFDToHandle  = ioctl.IOWR('d', 0x2e, unsafe.Sizeof(drmPrimeHandle{}))
)

const (
	drmModeConnected      = 1
	drmModeTypePreferred  = 1 << 3
	drmModeFBModifiers    = 1 << 1
	drmModePageFlipEvent  = 0x01
	drmEventFlipComplete  = 0x02
	drmEventHeaderSize    = 8
	drmEventVblankSize    = 32
	drmEventVblankCrtcOff = 28
)

var connectorTypes = []string{
	"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A", "Composite", "SVIDEO", "LVDS", "Component",
	"DIN", "DP", "HDMI-A", "HDMI-B", "TV", "eDP", "Virtual", "DSI", "DPI", "Writeback", "SPI", "USB",
}

func connectorName(kind, id uint32) string {
	name := "Unknown"
	if int(kind) < len(connectorTypes) {
		name = connectorTypes[kind]
	}
	return fmt.Sprintf("%s-%d", name, id)
}

func modeFromInfo(info drmModeInfo) Mode {
	refresh := 0
	if info.Htotal != 0 && info.Vtotal != 0 {
		refresh = int((uint64(info.Clock)*1000000/uint64(info.Htotal) + uint64(info.Vtotal)/2) / uint64(info.Vtotal))
	}
	raw := info
	return Mode{
		Width:      int(info.Hdisplay),
		Height:     int(info.Vdisplay),
		RefreshMHz: refresh,
		Preferred:  info.Type&drmModeTypePreferred != 0,
		raw:        &raw,
	}
}

// cardKMS talks KMS through the card descriptor lent by the session
type cardKMS struct {
	fd func() int
	// Connector -> CRTC, kept stable across rescans
	crtcs map[uint32]uint32
}

func newCardKMS(fd func() int) *cardKMS {
	return &cardKMS{fd: fd, crtcs: make(map[uint32]uint32)}
}

func (k *cardKMS) ioctl(req uintptr, arg unsafe.Pointer) error {
	fd := k.fd()
	if fd < 0 {
		return fmt.Errorf("card not accessible")
	}
	return ioctl.Do(fd, req, arg)
}

func (k *cardKMS) Connectors() ([]kmsConnector, error) {
	var res drmModeCardRes
	if err := k.ioctl(ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}
	if res.CountConnectors == 0 || res.CountCrtcs == 0 {
		return nil, nil
	}
	crtcIDs := make([]uint32, res.CountCrtcs)
	connIDs := make([]uint32, res.CountConnectors)
	encIDs := make([]uint32, res.CountEncoders+1)
	res = drmModeCardRes{
		CrtcIDPtr:       uint64(uintptr(unsafe.Pointer(&crtcIDs[0]))),
		ConnectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connIDs[0]))),
		EncoderIDPtr:    uint64(uintptr(unsafe.Pointer(&encIDs[0]))),
		CountCrtcs:      uint32(len(crtcIDs)),
		CountConnectors: uint32(len(connIDs)),
		CountEncoders:   uint32(len(encIDs) - 1),
	}
	err := k.ioctl(ioctlModeGetResources, unsafe.Pointer(&res))
	runtime.KeepAlive(encIDs)
	if err != nil {
		return nil, fmt.Errorf("get resources: %w", err)
	}

	used := map[uint32]bool{}
	for _, crtc := range k.crtcs {
		used[crtc] = true
	}
	out := []kmsConnector{}
	for _, id := range connIDs {
		conn, encoders, err := k.connector(id)
		if err != nil {
			return nil, err
		}
		if !conn.Connected {
			if crtc, ok := k.crtcs[id]; ok {
				delete(used, crtc)
				delete(k.crtcs, id)
			}
			out = append(out, conn)
			continue
		}
		crtc, ok := k.crtcs[id]
		if !ok {
			crtc = k.pickCrtc(encoders, crtcIDs, used)
			if crtc != 0 {
				used[crtc] = true
				k.crtcs[id] = crtc
			}
		}
		conn.Crtc = crtc
		out = append(out, conn)
	}
	return out, nil
}

func (k *cardKMS) connector(id uint32) (kmsConnector, []uint32, error) {
	get := drmModeGetConnector{ConnectorID: id}
	if err := k.ioctl(ioctlModeGetConnector, unsafe.Pointer(&get)); err != nil {
		return kmsConnector{}, nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	modes := make([]drmModeInfo, get.CountModes+1)
	encoders := make([]uint32, get.CountEncoders+1)
	get = drmModeGetConnector{
		ConnectorID:   id,
		ModesPtr:      uint64(uintptr(unsafe.Pointer(&modes[0]))),
		EncodersPtr:   uint64(uintptr(unsafe.Pointer(&encoders[0]))),
		CountModes:    uint32(len(modes) - 1),
		CountEncoders: uint32(len(encoders) - 1),
	}
	if err := k.ioctl(ioctlModeGetConnector, unsafe.Pointer(&get)); err != nil {
		return kmsConnector{}, nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	conn := kmsConnector{
		ID:        id,
		Name:      connectorName(get.ConnectorType, get.ConnectorTypeID),
		Connected: get.Connection == drmModeConnected && get.CountModes > 0,
	}
	for _, info := range modes[:get.CountModes] {
		conn.Modes = append(conn.Modes, modeFromInfo(info))
	}
	// Current encoder first, it already drives a CRTC
	ordered := []uint32{}
	if get.EncoderID != 0 {
		ordered = append(ordered, get.EncoderID)
	}
	ordered = append(ordered, encoders[:get.CountEncoders]...)
	return conn, ordered, nil
}

func (k *cardKMS) pickCrtc(encoders, crtcIDs []uint32, used map[uint32]bool) uint32 {
	for _, encID := range encoders {
		enc := drmModeGetEncoder{EncoderID: encID}
		if err := k.ioctl(ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
			continue
		}
		if enc.CrtcID != 0 && !used[enc.CrtcID] {
			return enc.CrtcID
		}
		for i, crtc := range crtcIDs {
			if enc.PossibleCrtcs&(1<<uint(i)) != 0 && !used[crtc] {
				return crtc
			}
		}
	}
	return 0
}

func (k *cardKMS) AddFB(b *buffer.Buffer) (uint32, error) {
	mem := b.Memory()
	if mem == nil {
		return 0, buffer.ErrFreed
	}
	var handle uint32
	owned := false
	if h, ok := unwrapMemory(mem).(interface{ Handle() uint32 }); ok && h.Handle() != 0 {
		handle = h.Handle()
	} else if fd := mem.DmabufFD(); fd >= 0 {
		prime := drmPrimeHandle{Fd: int32(fd)}
		if err := k.ioctl(ioctlPrimeFDToHandle, unsafe.Pointer(&prime)); err != nil {
			return 0, fmt.Errorf("import dma-buf: %w", err)
		}
		handle = prime.Handle
		owned = true
	} else {
		return 0, fmt.Errorf("buffer %s can't be scanned out, it has no dma-buf", b.ID)
	}

	cmd := drmModeFbCmd2{
		Width:       uint32(b.Width),
		Height:      uint32(b.Height),
		PixelFormat: uint32(b.Format),
	}
	cmd.Handles[0] = handle
	cmd.Pitches[0] = uint32(b.Stride)
	if b.Modifier != buffer.Invalid {
		cmd.Flags = drmModeFBModifiers
		cmd.Modifier[0] = uint64(b.Modifier)
	}
	err := k.ioctl(ioctlModeAddFB2, unsafe.Pointer(&cmd))
	if owned {
		k.closeHandle(handle)
	}
	if err != nil {
		return 0, fmt.Errorf("add framebuffer: %w", err)
	}
	return cmd.FbID, nil
}

type drmGemClose struct {
	Handle uint32
	Pad    uint32
}

var ioctlGemClose = ioctl.IOW('d', 0x09, unsafe.Sizeof(drmGemClose{}))

func (k *cardKMS) closeHandle(handle uint32) {
	req := drmGemClose{Handle: handle}
	k.ioctl(ioctlGemClose, unsafe.Pointer(&req))
}

func (k *cardKMS) RemoveFB(fb uint32) error {
	return k.ioctl(ioctlModeRmFB, unsafe.Pointer(&fb))
}

func (k *cardKMS) SetCrtc(crtc, connector, fb uint32, mode Mode) error {
	if mode.raw == nil {
		return fmt.Errorf("mode %s has no mode line", mode)
	}
	conns := []uint32{connector}
	req := drmModeCrtc{
		SetConnectorsPtr: uint64(uintptr(unsafe.Pointer(&conns[0]))),
		CountConnectors:  1,
		CrtcID:           crtc,
		FbID:             fb,
		ModeValid:        1,
		Mode:             *mode.raw,
	}
	err := k.ioctl(ioctlModeSetCrtc, unsafe.Pointer(&req))
	runtime.KeepAlive(conns)
	return err
}

func (k *cardKMS) DisableCrtc(crtc uint32) error {
	req := drmModeCrtc{CrtcID: crtc}
	return k.ioctl(ioctlModeSetCrtc, unsafe.Pointer(&req))
}

func (k *cardKMS) PageFlip(crtc, fb uint32) error {
	req := drmModeCrtcPageFlip{
		CrtcID:   crtc,
		FbID:     fb,
		Flags:    drmModePageFlipEvent,
		UserData: uint64(crtc),
	}
	return k.ioctl(ioctlModePageFlip, unsafe.Pointer(&req))
}

func (k *cardKMS) WatchFlips(stop <-chan struct{}, flipped func(crtc uint32)) {
	fd := k.fd()
	if fd < 0 {
		return
	}
	buf := make([]byte, 1024)
	for {
		ok, err := waitReadable(fd, stop)
		if !ok || err != nil {
			return
		}
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		for _, crtc := range parseFlipEvents(buf[:n]) {
			flipped(crtc)
		}
	}
}

// parseFlipEvents returns the CRTCs of every flip completion in a read from the card
func parseFlipEvents(data []byte) []uint32 {
	crtcs := []uint32{}
	for len(data) >= drmEventHeaderSize {
		kind := binary.LittleEndian.Uint32(data[0:4])
		length := int(binary.LittleEndian.Uint32(data[4:8]))
		if length < drmEventHeaderSize || length > len(data) {
			break
		}
		if kind == drmEventFlipComplete && length >= drmEventVblankSize {
			// user_data carries the crtc, crtc_id is only filled in by newer kernels
			crtc := uint32(binary.LittleEndian.Uint64(data[8:16]))
			if id := binary.LittleEndian.Uint32(data[drmEventVblankCrtcOff:drmEventVblankSize]); id != 0 {
				crtc = id
			}
			crtcs = append(crtcs, crtc)
		}
		data = data[length:]
	}
	return crtcs
}

func unwrapMemory(mem buffer.Memory) buffer.Memory {
	for {
		u, ok := mem.(interface{ Unwrap() buffer.Memory })
		if !ok {
			return mem
		}
		mem = u.Unwrap()
	}
}
