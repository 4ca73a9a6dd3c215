package allocator

import (
	"fmt"
	"sync"

	"github.com/mstarongithub/w2gcore/buffer"
)

// HeapProvider allocates buffers on the Go heap, up to a byte limit.
// Used on hosts without any buffer sharing device and in tests
type HeapProvider struct {
	lock  sync.Mutex
	limit int64
	used  int64
}

// NewHeapProvider creates a provider handing out at most limit bytes, 0 means no limit
func NewHeapProvider(limit int64) *HeapProvider {
	return &HeapProvider{limit: limit}
}

func (p *HeapProvider) Name() string { return "heap" }

func (p *HeapProvider) Formats() map[buffer.Format][]buffer.Modifier {
	mods := []buffer.Modifier{buffer.Linear, buffer.Invalid}
	out := map[buffer.Format][]buffer.Modifier{}
	for _, format := range buffer.Formats() {
		out[format] = mods
	}
	return out
}

func (p *HeapProvider) Allocate(attrs buffer.Attributes) (buffer.Memory, error) {
	stride, n, ok := attrs.Format.Size(attrs.Width, attrs.Height)
	if !ok {
		return nil, fmt.Errorf("%w: %dx%d %s does not fit in memory", ErrNoMemory, attrs.Width, attrs.Height, attrs.Format)
	}
	size := int64(n)
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.limit > 0 && size > p.limit-p.used {
		return nil, fmt.Errorf("%w: %d of %d bytes in use, %d requested", ErrNoMemory, p.used, p.limit, size)
	}
	p.used += size
	return &HeapMemory{pixels: make([]byte, size), stride: stride, provider: p}, nil
}

// Used returns how many bytes are handed out right now
func (p *HeapProvider) Used() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.used
}

type HeapMemory struct {
	pixels   []byte
	stride   int
	provider *HeapProvider
}

func (m *HeapMemory) Pixels() []byte { return m.pixels }
func (m *HeapMemory) DmabufFD() int  { return -1 }
func (m *HeapMemory) Stride() int    { return m.stride }

func (m *HeapMemory) Close() error {
	if m.pixels == nil {
		return nil
	}
	m.provider.lock.Lock()
	m.provider.used -= int64(len(m.pixels))
	m.provider.lock.Unlock()
	m.pixels = nil
	return nil
}
