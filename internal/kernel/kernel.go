// Package kernel describes the microkernel boundary the shim runs against:
// capability paths, badges, kernel error codes and the system calls the
// dispatch core needs.
package kernel

import (
	"context"
	"errors"
	"fmt"
)

// PageSize is the smallest mappable frame.
const PageSize = 0x1000

// CPtr is a slot index inside a CNode.
type CPtr uint64

// CapPath names a kernel object inside the task's capability space.
//
// Paths are values; two paths are equal when they resolve the same slot.
// The zero CapPath is the null capability.
type CapPath struct {
	root  CPtr
	slot  CPtr
	depth uint8
}

// NewCapPath builds a path for slot within root resolved at depth bits.
func NewCapPath(root, slot CPtr, depth uint8) CapPath {
	return CapPath{root: root, slot: slot, depth: depth}
}

func (p CapPath) Root() CPtr   { return p.root }
func (p CapPath) Slot() CPtr   { return p.slot }
func (p CapPath) Depth() uint8 { return p.depth }

// IsNull reports whether p is the null capability.
func (p CapPath) IsNull() bool { return p == CapPath{} }

func (p CapPath) String() string {
	return fmt.Sprintf("cap(%d:%d/%d)", p.root, p.slot, p.depth)
}

// Badge tags a derived capability. A receiver observes it alongside every
// signal sent through that capability.
type Badge uint64

// NoBadge is the badge of an unbadged capability.
const NoBadge Badge = 0

// Rights restrict what a capability may do.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightGrantReply

	AllRights = RightRead | RightWrite | RightGrant | RightGrantReply
)

// ObjectType selects the kernel object created by Retype.
type ObjectType uint8

const (
	ObjectEndpoint ObjectType = iota + 1
	ObjectNotification
)

func (t ObjectType) String() string {
	switch t {
	case ObjectEndpoint:
		return "endpoint"
	case ObjectNotification:
		return "notification"
	default:
		return fmt.Sprintf("object(%d)", uint8(t))
	}
}

// ErrorCode mirrors the kernel's system call error numbers.
type ErrorCode uint8

const (
	InvalidArgument ErrorCode = iota + 1
	InvalidCapability
	IllegalOperation
	RangeError
	AlignmentError
	FailedLookup
	DeleteFirst
	RevokeFirst
	NotEnoughMemory
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidArgument:
		return "invalid argument"
	case InvalidCapability:
		return "invalid capability"
	case IllegalOperation:
		return "illegal operation"
	case RangeError:
		return "range error"
	case AlignmentError:
		return "alignment error"
	case FailedLookup:
		return "failed lookup"
	case DeleteFirst:
		return "delete first"
	case RevokeFirst:
		return "revoke first"
	case NotEnoughMemory:
		return "not enough memory"
	default:
		return "unknown"
	}
}

// ErrKernelRejected matches every *Error.
var ErrKernelRejected = errors.New("kernel rejected request")

// Error is returned when the kernel refuses a system call.
type Error struct {
	Op   string
	Code ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("kernel: %s: %s", e.Op, e.Code)
}

func (e *Error) Is(target error) bool {
	return target == ErrKernelRejected
}

func reject(op string, code ErrorCode) error {
	return &Error{Op: op, Code: code}
}

// IRQControl is the slice of the kernel interface that issues and drives
// interrupt handler capabilities.
type IRQControl interface {
	IRQControlGet(ctrl CapPath, irq int, dest CapPath) error
	IRQHandlerSetNotification(handler, ntfn CapPath) error
	IRQHandlerAck(handler CapPath) error
}

// Receiver is the blocking receive primitive used by the dispatch loop.
type Receiver interface {
	Wait(ctx context.Context, ntfn CapPath) (Badge, error)
}

// Kernel is the set of system calls the root task uses.
type Kernel interface {
	IRQControl
	Receiver

	Retype(typ ObjectType, dest CapPath) error
	Mint(src, dest CapPath, rights Rights, badge Badge) error
	Signal(cap CapPath) error

	IOPortIssue(ctrl CapPath, first, last uint16, dest CapPath) error
	IOPortIn8(cap CapPath, port uint16) (uint8, error)
	IOPortOut8(cap CapPath, port uint16, value uint8) error

	MapFrame(paddr, vaddr uint64, size int, cached bool) ([]byte, error)
}
