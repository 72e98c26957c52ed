// Package dma manages host-accessible, device-addressable memory regions.
//
// A Pool hands out Regions carrying both a host byte slice and the device
// address the controller uses to reach it. The same Pool resolves device
// addresses back to host memory, which is how the simulated firmware performs
// its "DMA". Device addresses are never reused within a Pool's lifetime.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/piwi3910/mptpass/internal/metrics"
)

// DMA errors.
var (
	ErrExhausted   = errors.New("dma: pool exhausted")
	ErrInvalidSize = errors.New("dma: invalid region size")
	ErrAlignment   = errors.New("dma: alignment must be a power of two")
	ErrNotMapped   = errors.New("dma: device address not mapped")
	ErrDoubleFree  = errors.New("dma: region already released")
)

// Allocator is what the passthrough engine needs from device memory.
type Allocator interface {
	Alloc(size, align int) (*Region, error)
	Free(r *Region) error
}

// Region is one device-addressable allocation.
type Region struct {
	buf  []byte
	addr uint64
}

// Addr returns the device address of the first byte.
func (r *Region) Addr() uint64 { return r.addr }

// Bytes returns the host view of the region.
func (r *Region) Bytes() []byte { return r.buf }

// Len returns the region size in bytes.
func (r *Region) Len() int { return len(r.buf) }

// Config configures a Pool.
type Config struct {
	BaseAddress uint64 `json:"baseAddress" yaml:"baseAddress" mapstructure:"base_address"`
	MaxBytes    int64  `json:"maxBytes" yaml:"maxBytes" mapstructure:"max_bytes"`
	Alignment   int    `json:"alignment" yaml:"alignment" mapstructure:"alignment"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		BaseAddress: 0x1_0000_0000,
		MaxBytes:    64 << 20,
		Alignment:   4096, // Standard page size
	}
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Regions    int   `json:"regions"`
	BytesInUse int64 `json:"bytesInUse"`
	Allocs     int64 `json:"allocs"`
	Frees      int64 `json:"frees"`
}

// Pool is a simulated IOMMU: a device address space backed by host memory.
type Pool struct {
	regions map[uint64]*Region
	name    string
	cfg     Config
	next    uint64
	inUse   int64
	allocs  int64
	frees   int64
	mu      sync.Mutex
}

// NewPool creates a pool. name labels its metrics.
func NewPool(name string, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Alignment <= 0 {
		cfg.Alignment = def.Alignment
	}

	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}

	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = def.BaseAddress
	}

	return &Pool{
		regions: make(map[uint64]*Region),
		name:    name,
		cfg:     cfg,
		next:    cfg.BaseAddress,
	}
}

// Alloc returns a zeroed region of size bytes whose device address is a
// multiple of align (the pool default when align <= 0).
func (p *Pool) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	if align <= 0 {
		align = p.cfg.Alignment
	}

	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrAlignment, align)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse+int64(size) > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrExhausted, size, p.inUse, p.cfg.MaxBytes)
	}

	addr := alignUp(p.next, uint64(align))
	r := &Region{
		buf:  AllocateAligned(size, p.cfg.Alignment),
		addr: addr,
	}

	p.next = addr + uint64(size)
	p.regions[addr] = r
	p.inUse += int64(size)
	p.allocs++

	metrics.SetDMAUsage(p.name, len(p.regions), p.inUse)

	return r, nil
}

// Free releases r. Releasing a region twice fails with ErrDoubleFree.
func (p *Pool) Free(r *Region) error {
	if r == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.regions[r.addr]
	if !ok || cur != r {
		return fmt.Errorf("%w: 0x%x", ErrDoubleFree, r.addr)
	}

	delete(p.regions, r.addr)
	p.inUse -= int64(len(r.buf))
	p.frees++

	metrics.SetDMAUsage(p.name, len(p.regions), p.inUse)

	return nil
}

// Resolve returns the host bytes backing [addr, addr+n).
func (p *Pool) Resolve(addr uint64, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for base, r := range p.regions {
		if addr < base || addr+uint64(n) > base+uint64(len(r.buf)) {
			continue
		}

		off := addr - base

		return r.buf[off : off+uint64(n)], nil
	}

	return nil, fmt.Errorf("%w: [0x%x, +%d)", ErrNotMapped, addr, n)
}

// Capacity returns the pool size limit in bytes.
func (p *Pool) Capacity() int64 {
	return p.cfg.MaxBytes
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Regions:    len(p.regions),
		BytesInUse: p.inUse,
		Allocs:     p.allocs,
		Frees:      p.frees,
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocateAligned allocates a host buffer whose first byte is aligned to
// alignment.
func AllocateAligned(size, alignment int) []byte {
	buf := make([]byte, size+alignment)

	//nolint:gosec // G103: unsafe.Pointer required for memory alignment
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	alignedPtr := (ptr + uintptr(alignment-1)) &^ uintptr(alignment-1)
	offset := alignedPtr - ptr

	return buf[offset : offset+uintptr(size)]
}

// IsAligned reports whether addr is a multiple of alignment.
func IsAligned(addr uint64, alignment int) bool {
	return addr%uint64(alignment) == 0
}
