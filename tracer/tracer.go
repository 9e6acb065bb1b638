// Package tracer isolates the kernel tracing facility behind a narrow
// capability interface.
//
// A Source opens a Reader bound to one target process. The capture consumer
// calls Read in a loop; Read blocks until a record is available and returns
// ErrClosed once the reader has been stopped or closed. This keeps the decode
// and graph logic testable against a synthetic source instead of a live
// kernel facility.
package tracer

import (
	"errors"

	"github.com/jnesss/bpf-sandbox/types"
)

var (
	// ErrClosed is returned by Read after Stop or Close.
	ErrClosed = errors.New("tracer: reader closed")
	// ErrUnsupported is returned by sources that cannot run on this platform.
	ErrUnsupported = errors.New("tracer: not supported on this platform")
)

// Record is one raw record delivered by the tracing facility.
type Record struct {
	// RawSample contains the encoded RawEvent
	RawSample []byte
	// LostSamples indicates how many records the kernel side dropped
	LostSamples uint64
}

// Reader delivers the records of one tracing subscription.
type Reader interface {
	// Read blocks until the next record is available.
	Read() (Record, error)
	// Stop asks a pending Read to return ErrClosed once buffered records are
	// drained. It does not release resources.
	Stop() error
	// Close force-closes the subscription, unblocking any pending Read, and
	// releases every resource held by the reader.
	Close() error
}

// Config selects what a Reader subscribes to.
type Config struct {
	TargetPID  uint32
	Categories []types.Category
}

// Enabled reports whether cat is part of the subscription. An empty category
// list enables everything.
func (c Config) Enabled(cat types.Category) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, x := range c.Categories {
		if x == cat {
			return true
		}
	}
	return false
}

// Source creates tracing subscriptions.
type Source interface {
	Open(cfg Config) (Reader, error)
}
