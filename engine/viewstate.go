package engine

import "strings"

// Flags is the status bitmask reported by Poll. Bits are independent.
type Flags uint64

const (
	// FlagPending: a session is between submit and completion.
	FlagPending Flags = 1 << iota
	// FlagComplete: the most recent session reached Stopped{Success}.
	FlagComplete
	// FlagReady: at least one event has been committed to the graph.
	FlagReady
	// FlagError: the most recent session failed to start or dropped events.
	FlagError
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "IDLE"
	}
	var parts []string
	for _, b := range []struct {
		bit  Flags
		name string
	}{
		{FlagPending, "PENDING"},
		{FlagComplete, "COMPLETE"},
		{FlagReady, "READY"},
		{FlagError, "ERROR"},
	} {
		if f.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// ViewState is a copy of the engine's observable state. Comparing Generation
// between polls tells a consumer whether anything changed.
type ViewState struct {
	Generation  uint64  `json:"generation"`
	TimestampNs uint64  `json:"timestamp_ns"`
	Flags       Flags   `json:"flags"`
	Progress    float32 `json:"progress"`
}
