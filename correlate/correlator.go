// Package correlate derives parent links and correlation chains for captured
// records from the process tree rooted at the monitored target.
package correlate

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/bpf-sandbox/types"
)

// DefaultSize bounds the number of processes remembered per session.
const DefaultSize = 8192

// Link is where a record attaches in the event graph.
type Link struct {
	ParentID      uint64
	CorrelationID uint32
}

// process is what the correlator remembers about one traced pid.
type process struct {
	createID      uint64
	correlationID uint32
}

// Correlator tracks the processes descending from the target. A pid is traced
// once its process-create event has been committed; records from untraced
// pids are rejected. When the cache evicts a pid its later records are
// rejected too.
type Correlator struct {
	mu        sync.Mutex
	procs     *lru.Cache // pid -> process
	nextChain uint32
}

// New creates a correlator remembering up to size processes.
func New(size int) (*Correlator, error) {
	if size <= 0 {
		size = DefaultSize
	}
	procs, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating process cache: %w", err)
	}
	return &Correlator{procs: procs}, nil
}

// Reset forgets every process; chain ids restart at 1.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procs.Purge()
	c.nextChain = 0
}

// Root starts a new correlation chain for the target process. The caller
// appends the root event with the returned link and reports it to Commit.
func (c *Correlator) Root() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextChain++
	return Link{CorrelationID: c.nextChain}
}

// Resolve decides whether a record from pid (whose parent is ppid) belongs to
// the traced tree, and where it attaches.
//
// A process-create record attaches to the parent's create event and inherits
// its chain. Every other record attaches to the create event of the pid that
// produced it.
func (c *Correlator) Resolve(pid, ppid uint32, cat types.Category, op uint8) (Link, bool) {
	owner := pid
	if isCreate(cat, op) {
		owner = ppid
	}

	v, ok := c.procs.Get(owner)
	if !ok {
		return Link{}, false
	}
	p := v.(process)
	return Link{ParentID: p.createID, CorrelationID: p.correlationID}, true
}

// Commit records the outcome of appending a resolved record under id.
// Process creation starts tracing pid; process termination stops it.
func (c *Correlator) Commit(pid uint32, cat types.Category, op uint8, id uint64, link Link) {
	switch {
	case isCreate(cat, op):
		c.procs.Add(pid, process{createID: id, correlationID: link.CorrelationID})
	case cat == types.CategoryProcess && op == types.ProcessTerminate:
		c.procs.Remove(pid)
	}
}

// Tracked reports whether pid is part of the traced tree.
func (c *Correlator) Tracked(pid uint32) bool {
	return c.procs.Contains(pid)
}

// Len returns the number of traced processes.
func (c *Correlator) Len() int {
	return c.procs.Len()
}

func isCreate(cat types.Category, op uint8) bool {
	return cat == types.CategoryProcess && op == types.ProcessCreate
}
