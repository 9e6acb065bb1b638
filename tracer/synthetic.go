package tracer

import (
	"sync"
	"time"
)

// GenerateFunc produces the seq-th record of a synthetic subscription.
// Returning false ends production; Read then blocks until Stop or Close.
type GenerateFunc func(seq uint64, cfg Config) (Record, bool)

// Synthetic is an in-process Source used to exercise the capture path
// without kernel privileges.
type Synthetic struct {
	// Generate produces records. A nil Generate produces nothing.
	Generate GenerateFunc
	// Interval paces production; zero produces as fast as Read is called.
	Interval time.Duration
	// OpenErr, when set, makes Open fail.
	OpenErr error
	// IgnoreStop makes Stop a no-op, leaving a pending Read blocked until
	// Close. It models a tracing handle that does not honour a graceful stop.
	IgnoreStop bool

	mu     sync.Mutex
	opened []*SyntheticReader
}

// Open starts a new synthetic subscription.
func (s *Synthetic) Open(cfg Config) (Reader, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	r := &SyntheticReader{
		src:    s,
		cfg:    cfg,
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.opened = append(s.opened, r)
	s.mu.Unlock()
	return r, nil
}

// Readers returns every reader opened so far.
func (s *Synthetic) Readers() []*SyntheticReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SyntheticReader(nil), s.opened...)
}

// SyntheticReader is the Reader returned by Synthetic.Open.
type SyntheticReader struct {
	src *Synthetic
	cfg Config
	seq uint64

	stop      chan struct{}
	closed    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	mu         sync.Mutex
	stopCalls  int
	closeCalls int
}

// Config returns the configuration the reader was opened with.
func (r *SyntheticReader) Config() Config { return r.cfg }

func (r *SyntheticReader) Read() (Record, error) {
	for {
		select {
		case <-r.closed:
			return Record{}, ErrClosed
		case <-r.stop:
			return Record{}, ErrClosed
		default:
		}

		if r.src.Generate != nil {
			if rec, ok := r.src.Generate(r.seq, r.cfg); ok {
				if err := r.wait(r.src.Interval); err != nil {
					return Record{}, err
				}
				r.seq++
				return rec, nil
			}
		}

		// Exhausted: park until released.
		select {
		case <-r.closed:
		case <-r.stop:
		}
	}
}

func (r *SyntheticReader) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-r.stop:
		return ErrClosed
	}
}

func (r *SyntheticReader) Stop() error {
	r.mu.Lock()
	r.stopCalls++
	r.mu.Unlock()
	if r.src.IgnoreStop {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *SyntheticReader) Close() error {
	r.mu.Lock()
	r.closeCalls++
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// Calls reports how many times Stop and Close were invoked.
func (r *SyntheticReader) Calls() (stops, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls, r.closeCalls
}
