// Package physmem models the platform's physical address space as a set of
// fixed regions with host-allocated backing.
package physmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnmapped is returned when a range is not covered by any region.
var ErrUnmapped = errors.New("physical range not backed")

// Region describes one contiguous physical range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) end() uint64 { return r.Base + r.Size }

type region struct {
	Region
	mem []byte
}

// Memory is a sparse physical address space.
type Memory struct {
	mu      sync.Mutex
	regions []region
}

// New returns an empty physical address space.
func New() *Memory {
	return &Memory{}
}

// AddRegion allocates host backing for r.
func (m *Memory) AddRegion(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("physmem: region %q has zero size", r.Name)
	}
	if r.Base+r.Size < r.Base {
		return fmt.Errorf("physmem: region %q at 0x%x with size 0x%x overflows", r.Name, r.Base, r.Size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.regions {
		if r.Base < existing.end() && existing.Base < r.end() {
			return fmt.Errorf(
				"physmem: region %q 0x%x-0x%x overlaps %q 0x%x-0x%x",
				r.Name, r.Base, r.end()-1, existing.Name, existing.Base, existing.end()-1)
		}
	}

	mem, err := allocBacking(int(r.Size))
	if err != nil {
		return fmt.Errorf("physmem: back region %q: %w", r.Name, err)
	}
	m.regions = append(m.regions, region{Region: r, mem: mem})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })
	return nil
}

// Slice returns the backing bytes for [paddr, paddr+size). The range must
// lie inside a single region.
func (m *Memory) Slice(paddr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: invalid size %d", size)
	}
	end := paddr + uint64(size)
	if end < paddr {
		return nil, fmt.Errorf("physmem: range at 0x%x overflows", paddr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if paddr >= r.Base && end <= r.end() {
			off := paddr - r.Base
			return r.mem[off : off+uint64(size) : off+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("physmem: 0x%x-0x%x: %w", paddr, end-1, ErrUnmapped)
}

// Regions lists the configured regions in address order.
func (m *Memory) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r.Region)
	}
	return out
}

// Close releases host backing.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, r := range m.regions {
		if err := freeBacking(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("physmem: release %q: %w", r.Name, err))
		}
	}
	m.regions = nil
	return errors.Join(errs...)
}
