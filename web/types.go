package web

import (
	"github.com/jnesss/bpf-sandbox/engine"
	"github.com/jnesss/bpf-sandbox/types"
)

// StateRow is the /api/state response
type StateRow struct {
	Generation    uint64  `json:"generation"`
	TimestampNs   uint64  `json:"timestampNs"`
	Flags         uint64  `json:"flags"`
	FlagNames     string  `json:"flagNames"`
	Progress      float32 `json:"progress"`
	State         string  `json:"state"`
	EventCount    int     `json:"eventCount"`
	TargetPID     uint32  `json:"targetPid"`
	TargetRunning bool    `json:"targetRunning"`
}

// EventRow represents a captured event for the web API
type EventRow struct {
	ID            uint64 `json:"id"`
	ParentID      uint64 `json:"parentId"`
	Timestamp     uint64 `json:"timestampNs"`
	PID           uint32 `json:"pid"`
	CorrelationID uint32 `json:"correlationId"`
	Category      string `json:"category"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
}

func newEventRow(e types.Event) EventRow {
	return EventRow{
		ID:            e.ID,
		ParentID:      e.ParentID,
		Timestamp:     e.Timestamp,
		PID:           e.PID,
		CorrelationID: e.CorrelationID,
		Category:      e.Category.String(),
		Operation:     e.OperationName(),
		Status:        e.Status.String(),
	}
}

// Engine is the part of the capture engine the server reads.
type Engine interface {
	Poll() engine.ViewState
	State() engine.State
	EventCount() int
	GetEvent(i int) (types.Event, bool)
	TargetPID() uint32
	TargetRunning() bool
}
