package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rootshim/internal/kernel"
)

// ErrVSpaceExhausted is returned when the virtual pool cannot fit a request.
var ErrVSpaceExhausted = errors.New("virtual address space exhausted")

// VSpace hands out page-aligned virtual ranges from a fixed pool. Ranges are
// never released.
type VSpace struct {
	base uint64
	end  uint64
	next uint64
}

// NewVSpace returns a manager for [base, base+size).
func NewVSpace(base, size uint64) (*VSpace, error) {
	if base%kernel.PageSize != 0 {
		return nil, fmt.Errorf("vspace: base 0x%x not page aligned", base)
	}
	if size == 0 {
		return nil, fmt.Errorf("vspace: empty pool")
	}
	if base+size < base {
		return nil, fmt.Errorf("vspace: pool at 0x%x with size 0x%x overflows", base, size)
	}
	return &VSpace{base: base, end: base + size, next: base}, nil
}

// Reserve returns the base of a fresh range of at least size bytes.
func (v *VSpace) Reserve(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("vspace: zero-size reservation")
	}
	size = alignUp(size, kernel.PageSize)
	if v.end-v.next < size {
		return 0, fmt.Errorf("vspace: reserve 0x%x: %w", size, ErrVSpaceExhausted)
	}
	addr := v.next
	v.next += size
	return addr, nil
}

// Used reports how many bytes have been reserved.
func (v *VSpace) Used() uint64 { return v.next - v.base }

func alignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}
