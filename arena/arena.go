// Package arena provides a fixed-capacity record store carved out of a single
// byte region. Records are handed out in append order and are never released
// individually; the whole region is reclaimed by Reset between sessions.
package arena

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrExhausted is returned by callers that cannot obtain a slot. Allocate
// itself reports exhaustion through its boolean result.
var ErrExhausted = errors.New("arena exhausted")

// MB is the unit used to size the engine arena.
const MB = 1 << 20

// Arena is an index-addressed buffer of fixed-size record slots.
//
// Allocate and Reset are single-writer operations. Slot reads are safe from
// any goroutine for slots whose publication has been synchronized by the
// caller (see graph.EventGraph).
type Arena struct {
	buf        []byte
	recordSize int
	slots      int

	next atomic.Int64
}

// New creates an arena of capacityBytes split into recordSize slots.
func New(capacityBytes, recordSize int) (*Arena, error) {
	if recordSize <= 0 {
		return nil, fmt.Errorf("invalid record size %d", recordSize)
	}
	if capacityBytes < recordSize {
		return nil, fmt.Errorf("capacity %d smaller than one record (%d bytes)", capacityBytes, recordSize)
	}

	slots := capacityBytes / recordSize
	return &Arena{
		buf:        make([]byte, slots*recordSize),
		recordSize: recordSize,
		slots:      slots,
	}, nil
}

// NewForRecords sizes an arena to hold exactly n records.
func NewForRecords(n, recordSize int) (*Arena, error) {
	return New(n*recordSize, recordSize)
}

// Allocate reserves the next slot. It returns false when the arena is full;
// that is an expected outcome, not a fault.
func (a *Arena) Allocate() (int, bool) {
	idx := a.next.Load()
	if idx >= int64(a.slots) {
		return 0, false
	}
	a.next.Store(idx + 1)
	return int(idx), true
}

// Slot returns the backing bytes of slot i. The slice aliases arena memory.
func (a *Arena) Slot(i int) []byte {
	off := i * a.recordSize
	return a.buf[off : off+a.recordSize : off+a.recordSize]
}

// Reset reclaims every slot. Only call it while no session is writing to or
// reading from the arena.
func (a *Arena) Reset() {
	a.next.Store(0)
}

// Used returns the number of bytes handed out so far.
func (a *Arena) Used() int { return int(a.next.Load()) * a.recordSize }

// Capacity returns the usable size in bytes.
func (a *Arena) Capacity() int { return len(a.buf) }

// Slots returns the total number of record slots.
func (a *Arena) Slots() int { return a.slots }

// RecordSize returns the size of one slot in bytes.
func (a *Arena) RecordSize() int { return a.recordSize }

// Utilization returns Used/Capacity in the range [0, 1].
func (a *Arena) Utilization() float32 {
	if len(a.buf) == 0 {
		return 0
	}
	return float32(a.Used()) / float32(len(a.buf))
}
