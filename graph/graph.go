// Package graph stores captured events as an append-only forest backed by an
// arena. A single writer appends; any number of readers may call Get, Count
// and the iteration helpers concurrently.
package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/jnesss/bpf-sandbox/arena"
	"github.com/jnesss/bpf-sandbox/types"
)

// RecordSize is the encoded size of one event in the arena.
const RecordSize = 40

// MaxTreeDepth bounds parent-link walks.
const MaxTreeDepth = 100

var (
	// ErrArenaExhausted is returned by Append when no slot is left.
	ErrArenaExhausted = fmt.Errorf("graph append: %w", arena.ErrExhausted)
	// ErrInvalidEvent is returned for events whose category is out of range.
	ErrInvalidEvent = errors.New("graph append: invalid event")
)

// EventGraph is the append-only event sequence. Index i holds the event with
// ID i+1.
type EventGraph struct {
	arena *arena.Arena

	// count is published with a store after the record bytes are written and
	// read with a load before any slot access.
	count atomic.Int64

	// resetMu keeps readers out of the slots while Reset reclaims them.
	resetMu sync.RWMutex
}

// New creates a graph on top of a.
func New(a *arena.Arena) (*EventGraph, error) {
	if a.RecordSize() != RecordSize {
		return nil, fmt.Errorf("arena record size %d, graph needs %d", a.RecordSize(), RecordSize)
	}
	return &EventGraph{arena: a}, nil
}

// NewWithCapacity creates a graph with its own arena sized for n events.
func NewWithCapacity(n int) (*EventGraph, error) {
	a, err := arena.NewForRecords(n, RecordSize)
	if err != nil {
		return nil, err
	}
	return New(a)
}

// Append commits e and returns its assigned ID. The ID field of e is ignored.
// A parent ID that does not reference an already committed event is stored
// as 0. Append must only be called from the owning session's consumer.
func (g *EventGraph) Append(e types.Event) (uint64, error) {
	if !e.Category.Valid() {
		return 0, ErrInvalidEvent
	}

	n := g.count.Load()
	idx, ok := g.arena.Allocate()
	if !ok {
		return 0, ErrArenaExhausted
	}
	if int64(idx) != n {
		// Only possible if something other than this graph allocates from the arena.
		return 0, fmt.Errorf("graph append: arena slot %d does not follow count %d", idx, n)
	}

	e.ID = uint64(n) + 1
	if e.ParentID > uint64(n) {
		e.ParentID = 0
	}
	encode(g.arena.Slot(idx), e)

	g.count.Store(n + 1)
	return e.ID, nil
}

// Get returns the event at index i, or false when i >= Count().
func (g *EventGraph) Get(i int) (types.Event, bool) {
	g.resetMu.RLock()
	defer g.resetMu.RUnlock()

	if i < 0 || int64(i) >= g.count.Load() {
		return types.Event{}, false
	}
	return decode(g.arena.Slot(i)), true
}

// GetByID returns the event with the given ID.
func (g *EventGraph) GetByID(id uint64) (types.Event, bool) {
	if id == 0 {
		return types.Event{}, false
	}
	return g.Get(int(id - 1))
}

// Count returns the number of committed events. It never decreases between
// resets.
func (g *EventGraph) Count() int {
	return int(g.count.Load())
}

// All yields the events committed at call time, in append order. The
// sequence can be ranged over more than once and always yields the same
// prefix.
func (g *EventGraph) All() iter.Seq[types.Event] {
	n := g.Count()
	return func(yield func(types.Event) bool) {
		for i := 0; i < n; i++ {
			e, ok := g.Get(i)
			if !ok || !yield(e) {
				return
			}
		}
	}
}

// Snapshot copies the events committed at call time.
func (g *EventGraph) Snapshot() []types.Event {
	n := g.Count()
	out := make([]types.Event, 0, n)
	for e := range g.All() {
		out = append(out, e)
	}
	return out
}

// Children returns the direct children of parentID.
func (g *EventGraph) Children(parentID uint64) []types.Event {
	return g.filter(func(e types.Event) bool { return parentID != 0 && e.ParentID == parentID })
}

// ByCategory returns every committed event of cat.
func (g *EventGraph) ByCategory(cat types.Category) []types.Event {
	return g.filter(func(e types.Event) bool { return e.Category == cat })
}

// Chain returns every committed event sharing correlationID.
func (g *EventGraph) Chain(correlationID uint32) []types.Event {
	if correlationID == 0 {
		return nil
	}
	return g.filter(func(e types.Event) bool { return e.CorrelationID == correlationID })
}

// Ancestors walks parent links from id upwards, starting with id itself.
func (g *EventGraph) Ancestors(id uint64) []types.Event {
	var out []types.Event
	for depth := 0; id != 0 && depth < MaxTreeDepth; depth++ {
		e, ok := g.GetByID(id)
		if !ok {
			break
		}
		out = append(out, e)
		id = e.ParentID
	}
	return out
}

// ProcessTree returns the lineage of pid: its most recent process-create
// event followed by each ancestor up to the root.
func (g *EventGraph) ProcessTree(pid uint32) []types.Event {
	var createID uint64
	for e := range g.All() {
		if e.PID == pid && e.Category == types.CategoryProcess && e.Operation == types.ProcessCreate {
			createID = e.ID
		}
	}
	return g.Ancestors(createID)
}

func (g *EventGraph) filter(keep func(types.Event) bool) []types.Event {
	var out []types.Event
	for e := range g.All() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops every event and reclaims the arena. The caller guarantees no
// Append is in flight.
func (g *EventGraph) Reset() {
	g.resetMu.Lock()
	defer g.resetMu.Unlock()

	g.count.Store(0)
	g.arena.Reset()
}

// Capacity returns the number of events the backing arena can hold.
func (g *EventGraph) Capacity() int { return g.arena.Slots() }

// Utilization returns the fill ratio of the backing arena.
func (g *EventGraph) Utilization() float32 { return g.arena.Utilization() }

func encode(b []byte, e types.Event) {
	binary.LittleEndian.PutUint64(b[0:], e.ID)
	binary.LittleEndian.PutUint64(b[8:], e.ParentID)
	binary.LittleEndian.PutUint64(b[16:], e.Timestamp)
	binary.LittleEndian.PutUint32(b[24:], e.PID)
	binary.LittleEndian.PutUint32(b[28:], e.CorrelationID)
	b[32] = uint8(e.Category)
	b[33] = uint8(e.Status)
	b[34] = e.Operation
	clear(b[35:RecordSize])
}

func decode(b []byte) types.Event {
	return types.Event{
		ID:            binary.LittleEndian.Uint64(b[0:]),
		ParentID:      binary.LittleEndian.Uint64(b[8:]),
		Timestamp:     binary.LittleEndian.Uint64(b[16:]),
		PID:           binary.LittleEndian.Uint32(b[24:]),
		CorrelationID: binary.LittleEndian.Uint32(b[28:]),
		Category:      types.Category(b[32]),
		Status:        types.Status(b[33]),
		Operation:     b[34],
	}
}
