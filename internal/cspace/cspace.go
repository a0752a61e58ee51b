// Package cspace allocates capability slots in the root task's CNode and
// builds the paths that name the objects placed in them.
package cspace

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rootshim/internal/kernel"
)

// ErrAllocationExhausted is returned once every free slot has been handed out.
var ErrAllocationExhausted = errors.New("capability slots exhausted")

// Retyper creates kernel objects into empty slots.
type Retyper interface {
	Retype(typ kernel.ObjectType, dest kernel.CapPath) error
}

// Registry hands out the empty slots of one CNode. Slots are never returned;
// whoever allocates a path owns the object in it for the process lifetime.
type Registry struct {
	k     Retyper
	root  kernel.CPtr
	depth uint8

	first kernel.CPtr
	end   kernel.CPtr
	next  kernel.CPtr
}

// New returns a registry over the slot range [first, end) of root.
func New(k Retyper, root kernel.CPtr, depth uint8, first, end kernel.CPtr) (*Registry, error) {
	if k == nil {
		return nil, fmt.Errorf("cspace: kernel is nil")
	}
	if first >= end {
		return nil, fmt.Errorf("cspace: empty slot range [%d, %d)", first, end)
	}
	if depth < 64 && uint64(end) > uint64(1)<<depth {
		return nil, fmt.Errorf("cspace: slot range end %d exceeds depth %d", end, depth)
	}
	return &Registry{
		k:     k,
		root:  root,
		depth: depth,
		first: first,
		end:   end,
		next:  first,
	}, nil
}

// AllocSlot reserves the next empty slot and returns its path.
func (r *Registry) AllocSlot() (kernel.CapPath, error) {
	if r.next >= r.end {
		return kernel.CapPath{}, ErrAllocationExhausted
	}
	slot := r.next
	r.next++
	return kernel.NewCapPath(r.root, slot, r.depth), nil
}

// Path builds the path for a slot inside the managed CNode.
func (r *Registry) Path(slot kernel.CPtr) (kernel.CapPath, error) {
	if r.depth < 64 && uint64(slot) >= uint64(1)<<r.depth {
		return kernel.CapPath{}, fmt.Errorf("cspace: slot %d outside %d-bit cnode", slot, r.depth)
	}
	return kernel.NewCapPath(r.root, slot, r.depth), nil
}

// Allocated reports how many slots have been handed out.
func (r *Registry) Allocated() int { return int(r.next - r.first) }

// Free reports how many slots remain.
func (r *Registry) Free() int { return int(r.end - r.next) }

// NewNotification allocates a slot and creates a notification in it.
func (r *Registry) NewNotification() (kernel.CapPath, error) {
	return r.newObject(kernel.ObjectNotification)
}

// NewEndpoint allocates a slot and creates an endpoint in it.
func (r *Registry) NewEndpoint() (kernel.CapPath, error) {
	return r.newObject(kernel.ObjectEndpoint)
}

func (r *Registry) newObject(typ kernel.ObjectType) (kernel.CapPath, error) {
	path, err := r.AllocSlot()
	if err != nil {
		return kernel.CapPath{}, fmt.Errorf("cspace: new %s: %w", typ, err)
	}
	if err := r.k.Retype(typ, path); err != nil {
		return kernel.CapPath{}, fmt.Errorf("cspace: new %s: %w", typ, err)
	}
	return path, nil
}
