// Package dispatch runs the root task's event loop: block on the one
// notification, look the received badge up and hand the wakeup to the
// handler registered for it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/rootshim/internal/kernel"
)

var (
	ErrDuplicateTag = errors.New("tag already registered")
	ErrZeroTag      = errors.New("tag must be non-zero")
)

// Handler services one wakeup for the source it was registered under.
type Handler interface {
	HandleEvent() error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func() error

func (f HandlerFunc) HandleEvent() error { return f() }

// Table maps tags to handlers. Entries are never replaced or removed, so a
// tag keeps naming the same handler for the life of the table.
type Table struct {
	handlers map[kernel.Badge]Handler
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[kernel.Badge]Handler)}
}

// Register binds tag to h.
func (t *Table) Register(tag kernel.Badge, h Handler) error {
	if tag == kernel.NoBadge {
		return ErrZeroTag
	}
	if h == nil {
		return fmt.Errorf("dispatch: handler for tag %d is nil", tag)
	}
	if _, exists := t.handlers[tag]; exists {
		return fmt.Errorf("dispatch: tag %d: %w", tag, ErrDuplicateTag)
	}
	t.handlers[tag] = h
	return nil
}

// Lookup returns the handler registered for tag.
func (t *Table) Lookup(tag kernel.Badge) (Handler, bool) {
	h, ok := t.handlers[tag]
	return h, ok
}

// Tags lists the registered tags in ascending order.
func (t *Table) Tags() []kernel.Badge {
	tags := make([]kernel.Badge, 0, len(t.handlers))
	for tag := range t.handlers {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Stats counts what the loop has seen.
type Stats struct {
	Events   map[kernel.Badge]uint64
	Unknown  uint64
	Failures uint64
}

// State is the loop's position in its cycle.
type State int

const (
	WaitingForEvent State = iota
	Dispatching
)

func (s State) String() string {
	switch s {
	case WaitingForEvent:
		return "waiting"
	case Dispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loop is the single-threaded receive loop.
type Loop struct {
	recv    kernel.Receiver
	channel kernel.CapPath
	table   *Table
	log     *slog.Logger

	state State
	stats Stats
}

// NewLoop returns a loop that waits on channel and routes through table.
func NewLoop(recv kernel.Receiver, channel kernel.CapPath, table *Table, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		recv:    recv,
		channel: channel,
		table:   table,
		log:     logger,
		stats:   Stats{Events: make(map[kernel.Badge]uint64)},
	}
}

// Step waits for one wakeup and dispatches it. Unknown tags and handler
// failures are logged and do not end the loop; only a failed receive is
// returned.
func (l *Loop) Step(ctx context.Context) error {
	l.state = WaitingForEvent
	tag, err := l.recv.Wait(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("dispatch: wait: %w", err)
	}

	h, ok := l.table.Lookup(tag)
	if !ok {
		l.stats.Unknown++
		l.log.Warn("dispatch: unknown badge", "badge", uint64(tag))
		return nil
	}

	l.state = Dispatching
	defer func() { l.state = WaitingForEvent }()

	l.stats.Events[tag]++
	if err := h.HandleEvent(); err != nil {
		l.stats.Failures++
		l.log.Error("dispatch: handler failed", "badge", uint64(tag), "err", err)
	}
	return nil
}

// Run steps until the receive fails. With a kernel that never fails a wait
// this only returns when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("dispatch: loop started", "tags", len(l.table.handlers))
	for {
		if err := l.Step(ctx); err != nil {
			return err
		}
	}
}

// State reports where the loop is in its cycle.
func (l *Loop) State() State { return l.state }

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	events := make(map[kernel.Badge]uint64, len(l.stats.Events))
	for k, v := range l.stats.Events {
		events[k] = v
	}
	return Stats{Events: events, Unknown: l.stats.Unknown, Failures: l.stats.Failures}
}
