// Package engine runs capture sessions against one target process at a time
// and exposes their progress through a cheap polling surface.
//
// An Engine owns the arena-backed event graph, at most one capture session,
// a generation counter and a flag bitmask. The session's consumer goroutine
// is the only writer; Poll, EventCount, GetEvent, IterEvents and the target
// controls may be called from any goroutine at any time.
package engine

import (
	"context"
	"fmt"
	"iter"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jnesss/bpf-sandbox/arena"
	"github.com/jnesss/bpf-sandbox/binary"
	"github.com/jnesss/bpf-sandbox/correlate"
	"github.com/jnesss/bpf-sandbox/database"
	"github.com/jnesss/bpf-sandbox/detect"
	"github.com/jnesss/bpf-sandbox/graph"
	"github.com/jnesss/bpf-sandbox/process"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/types"
)

var allCategories = uint32(1)<<len(types.Categories()) - 1

// Engine owns the event graph and at most one capture session.
type Engine struct {
	logger *zap.Logger

	arena *arena.Arena
	graph *graph.EventGraph

	source   tracer.Source
	launcher process.Launcher
	detector *detect.Detector
	journal  *database.DB
	samples  *binary.Cache
	metrics  *Metrics

	stopTimeout time.Duration
	corrSize    int
	target      string
	args        []string
	enabled     atomic.Uint32 // category bitmask for the next session

	workers int
	pool    *errgroup.Group

	generation atomic.Uint64
	flags      atomic.Uint64

	// mu serializes session starts.
	mu     sync.Mutex
	sess   atomic.Pointer[session]
	closed atomic.Bool

	// Submissions are numbered; a worker whose number is at or below
	// cancelled must not start. Both change only under mu or via Add.
	submitted atomic.Uint64
	cancelled atomic.Uint64

	resultMu sync.Mutex
	last     SessionResult
}

// New creates an engine whose arena holds arenaSizeMB megabytes of events.
// workers bounds the goroutines that run sessions started by Submit; zero
// runs them on the caller's goroutine.
func New(arenaSizeMB, workers int, opts ...Option) (*Engine, error) {
	if arenaSizeMB <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d MB", arenaSizeMB)
	}
	if workers < 0 {
		return nil, fmt.Errorf("worker count must not be negative, got %d", workers)
	}

	a, err := arena.New(arenaSizeMB*arena.MB, graph.RecordSize)
	if err != nil {
		return nil, fmt.Errorf("creating arena: %w", err)
	}
	return newEngine(a, workers, opts...)
}

// newEngine builds an engine around an existing arena.
func newEngine(a *arena.Arena, workers int, opts ...Option) (*Engine, error) {
	g, err := graph.New(a)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:      zap.NewNop(),
		arena:       a,
		graph:       g,
		stopTimeout: DefaultStopTimeout,
		corrSize:    correlate.DefaultSize,
		workers:     workers,
	}
	e.enabled.Store(allCategories)
	for _, opt := range opts {
		opt(e)
	}

	if e.source == nil {
		e.source = tracer.NewEBPFSource(DefaultObjectPath, e.logger)
	}
	if e.launcher == nil {
		e.launcher = process.NewLauncher(e.logger)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if workers > 0 {
		e.pool = new(errgroup.Group)
		e.pool.SetLimit(workers)
	}

	e.logger.Info("Engine created",
		zap.Int("arena_bytes", a.Capacity()),
		zap.Int("event_capacity", g.Capacity()),
		zap.Int("workers", workers))
	return e, nil
}

func (e *Engine) bump() { e.generation.Add(1) }

// updateFlags sets and clears bits in one atomic step.
func (e *Engine) updateFlags(set, clear Flags) {
	for {
		old := e.flags.Load()
		next := (old &^ uint64(clear)) | uint64(set)
		if e.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// committed is called by the consumer after each successful append.
func (e *Engine) committed(cat types.Category) {
	if Flags(e.flags.Load())&FlagReady == 0 {
		e.updateFlags(FlagReady, 0)
	}
	e.bump()
	e.metrics.EventsCommitted.WithLabelValues(cat.String()).Inc()
	e.metrics.ArenaUtilization.Set(float64(e.graph.Utilization()))
}

// Submit starts a session for the configured target if the engine is idle or
// its last session completed. It is a no-op while a session is pending.
func (e *Engine) Submit() {
	if e.closed.Load() {
		return
	}
	for {
		old := e.flags.Load()
		if old&uint64(FlagPending) != 0 || e.sess.Load() != nil {
			return
		}
		next := (old &^ uint64(FlagComplete|FlagError)) | uint64(FlagPending)
		if e.flags.CompareAndSwap(old, next) {
			break
		}
	}
	ticket := e.submitted.Add(1)
	e.bump()

	run := func() error {
		e.runSubmitted(ticket)
		return nil
	}
	if e.pool == nil {
		run()
		return
	}
	if !e.pool.TryGo(run) {
		e.logger.Warn("No worker available for submitted session")
		e.updateFlags(FlagError, FlagPending)
		e.bump()
	}
}

// runSubmitted starts the configured target unless StopMonitoring cancelled
// the submission first.
func (e *Engine) runSubmitted(ticket uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ticket <= e.cancelled.Load() {
		return
	}
	if _, created := e.startLocked(e.target, e.args); !created {
		// No session reached finish, so the flags are still ours to settle.
		e.updateFlags(FlagError, FlagPending)
		e.bump()
	}
}

// Poll returns a snapshot of the observable state. It does no I/O and
// takes no locks.
func (e *Engine) Poll() ViewState {
	flags := Flags(e.flags.Load())
	progress := e.graph.Utilization()
	if flags.Has(FlagComplete) && e.sess.Load() == nil {
		progress = 1
	}
	return ViewState{
		Generation:  e.generation.Load(),
		TimestampNs: tracer.Monotonic(),
		Flags:       flags,
		Progress:    progress,
	}
}

// Idle reports whether no session exists and none is pending.
func (e *Engine) Idle() bool {
	return e.sess.Load() == nil && Flags(e.flags.Load())&FlagPending == 0
}

// Threads returns the configured worker count.
func (e *Engine) Threads() int { return e.workers }

// EventCount returns the number of committed events.
func (e *Engine) EventCount() int { return e.graph.Count() }

// GetEvent returns a copy of the event at index i, or false if i is out of
// range.
func (e *Engine) GetEvent(i int) (types.Event, bool) { return e.graph.Get(i) }

// IterEvents yields the events committed at call time, in order.
func (e *Engine) IterEvents() iter.Seq[types.Event] { return e.graph.All() }

// Children returns the events whose parent is parentID.
func (e *Engine) Children(parentID uint64) []types.Event { return e.graph.Children(parentID) }

// EventsByCategory returns the committed events of one category.
func (e *Engine) EventsByCategory(cat types.Category) []types.Event {
	return e.graph.ByCategory(cat)
}

// Chain returns the events sharing correlationID.
func (e *Engine) Chain(correlationID uint32) []types.Event { return e.graph.Chain(correlationID) }

// ProcessTree returns pid's create event followed by its ancestors.
func (e *Engine) ProcessTree(pid uint32) []types.Event { return e.graph.ProcessTree(pid) }

// State returns the lifecycle state of the current session, or the last one.
func (e *Engine) State() State {
	if s := e.sess.Load(); s != nil {
		return s.State()
	}
	e.resultMu.Lock()
	defer e.resultMu.Unlock()
	return e.last.State
}

// LastResult returns the outcome of the most recent finished session.
func (e *Engine) LastResult() SessionResult {
	e.resultMu.Lock()
	defer e.resultMu.Unlock()
	return e.last
}

// EnableCategory adds cat to the subscription of the next session.
func (e *Engine) EnableCategory(cat types.Category) {
	if !cat.Valid() {
		return
	}
	e.enabled.Or(uint32(1) << cat)
}

// DisableCategory removes cat from the subscription of the next session.
func (e *Engine) DisableCategory(cat types.Category) {
	if !cat.Valid() {
		return
	}
	e.enabled.And(^(uint32(1) << cat))
}

// CategoryEnabled reports whether cat is part of the next session's subscription.
func (e *Engine) CategoryEnabled(cat types.Category) bool {
	return cat.Valid() && e.enabled.Load()&(1<<cat) != 0
}

func (e *Engine) categories() []types.Category {
	mask := e.enabled.Load()
	var out []types.Category
	for _, c := range types.Categories() {
		if mask&(1<<c) != 0 {
			out = append(out, c)
		}
	}
	return out
}

// StartMonitoring launches path suspended, attaches the tracer and releases
// the target. It returns false if a session is already active or if launch
// or attach failed; LastResult carries the reason.
func (e *Engine) StartMonitoring(path string) bool {
	return e.start(path, nil)
}

// StartMonitoringArgs is StartMonitoring with target arguments.
func (e *Engine) StartMonitoringArgs(path string, args ...string) bool {
	return e.start(path, args)
}

func (e *Engine) start(path string, args []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok, _ := e.startLocked(path, args)
	return ok
}

// startLocked runs a start with mu held. created reports whether a session
// was installed; when it was, finish has settled the flags on failure.
func (e *Engine) startLocked(path string, args []string) (ok, created bool) {
	if e.closed.Load() {
		return false, false
	}
	if e.sess.Load() != nil {
		e.logger.Error("Already monitoring a process")
		return false, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		e:        e,
		ctx:      ctx,
		cancel:   cancel,
		id:       uuid.NewString(),
		path:     path,
		args:     args,
		start:    time.Now(),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}
	s.logger = e.logger.With(zap.String("session", s.id), zap.String("target", path))
	s.cfg.Categories = e.categories()

	corr, err := correlate.New(e.corrSize)
	if err != nil {
		cancel()
		e.logger.Error("Failed to create correlator", zap.Error(err))
		return false, false
	}
	s.corr = corr

	// The previous session's events stay readable until here.
	e.graph.Reset()
	e.metrics.ArenaUtilization.Set(0)
	e.updateFlags(FlagPending, FlagComplete|FlagError|FlagReady)
	e.sess.Store(s)

	// Launching
	s.setState(StateLaunching)
	if e.samples != nil {
		if resolved, err := exec.LookPath(path); err == nil {
			if s.sample, err = e.samples.Store(resolved); err != nil {
				s.logger.Warn("Failed to store sample", zap.Error(err))
			}
		}
	}
	target, err := e.launcher.Launch(path, args)
	if err != nil {
		s.logger.Error("Failed to launch target process", zap.Error(err))
		s.stop(fmt.Errorf("%w: %w", ErrLaunch, err))
		return false, true
	}
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
	s.cfg.TargetPID = target.PID()

	var info process.Info
	if process.CollectProcMetadata(target.PID(), &info) {
		s.logger.Info("Target launched", zap.String("process", process.FormatInfo(&info)))
	}

	// Attaching
	s.setState(StateAttaching)
	reader, err := e.source.Open(s.cfg)
	if err != nil {
		s.logger.Error("Failed to attach tracer", zap.Error(err))
		s.stop(fmt.Errorf("%w: %w", ErrAttach, err))
		return false, true
	}
	s.mu.Lock()
	s.reader = reader
	s.mu.Unlock()

	s.base = tracer.Monotonic()
	if err := s.appendRoot(); err != nil {
		s.logger.Error("Failed to record target", zap.Error(err))
		s.stop(fmt.Errorf("%w: %w", ErrAttach, err))
		return false, true
	}

	// Capturing
	s.setState(StateCapturing)
	go s.consume(reader)
	go s.watchExit(target)

	if err := target.Release(); err != nil {
		s.logger.Error("Failed to release target", zap.Error(err))
		s.stop(fmt.Errorf("%w: release: %w", ErrLaunch, err))
		return false, true
	}
	return true, true
}

// appendRoot records the target itself as the root Process/Create event.
// It runs before the consumer starts, so the single-writer rule holds.
func (s *session) appendRoot() error {
	link := s.corr.Root()
	id, err := s.e.graph.Append(types.Event{
		PID:           s.cfg.TargetPID,
		CorrelationID: link.CorrelationID,
		Category:      types.CategoryProcess,
		Status:        types.StatusSuccess,
		Operation:     types.ProcessCreate,
	})
	if err != nil {
		return err
	}
	s.corr.Commit(s.cfg.TargetPID, types.CategoryProcess, types.ProcessCreate, id, link)
	s.committed.Add(1)
	s.e.committed(types.CategoryProcess)
	return nil
}

// finish publishes a stopped session's result and detaches it from the
// engine.
func (e *Engine) finish(s *session, res SessionResult) {
	fields := []zap.Field{
		zap.Bool("success", res.Success),
		zap.Uint64("committed", res.Committed),
		zap.Uint64("dropped", res.Dropped),
		zap.Bool("degraded_stop", res.DegradedStop),
		zap.Int("detections", res.Detections),
	}
	if res.Reason != nil {
		fields = append(fields, zap.Error(res.Reason))
	}
	s.logger.Info("Session stopped", fields...)

	e.writeJournal(s, res)

	e.resultMu.Lock()
	e.last = res
	e.resultMu.Unlock()

	e.sess.CompareAndSwap(s, nil)
	if res.Success {
		e.updateFlags(FlagComplete, FlagPending)
		e.metrics.Sessions.WithLabelValues("success").Inc()
	} else {
		e.updateFlags(FlagError, FlagPending)
		e.metrics.Sessions.WithLabelValues("failed").Inc()
	}
	e.bump()
}

func (e *Engine) writeJournal(s *session, res SessionResult) {
	if e.journal == nil {
		return
	}
	rec := &database.SessionRecord{
		ID:           res.ID,
		Target:       res.Target,
		Args:         res.Args,
		PID:          res.PID,
		SampleSHA256: res.SampleSHA256,
		StartTime:    res.StartTime,
		StopTime:     res.StopTime,
		State:        "Success",
		Committed:    res.Committed,
		Dropped:      res.Dropped,
		DegradedStop: res.DegradedStop,
		Detections:   res.Detections,
	}
	if !res.Success {
		rec.State = "Failed"
	}
	if res.Reason != nil {
		rec.Reason = res.Reason.Error()
	}
	if s.stats != nil {
		rec.CPUUsage = s.stats.CPUUsage
		rec.MemoryUsage = s.stats.MemoryUsage
		rec.ThreadCount = s.stats.ThreadCount
	}
	if err := e.journal.InsertSession(rec, s.detections); err != nil {
		s.logger.Warn("Failed to write session journal", zap.Error(err))
	}
}

// StopMonitoring stops the current session and returns once its consumer
// has exited and its handles are released. A submission whose worker has
// not started yet is cancelled. Without a session it returns immediately.
func (e *Engine) StopMonitoring() {
	// Wait out a start that is still launching or attaching.
	e.mu.Lock()
	s := e.sess.Load()
	if pending := e.submitted.Load(); pending > e.cancelled.Load() {
		e.cancelled.Store(pending)
		if s == nil && Flags(e.flags.Load()).Has(FlagPending) {
			e.updateFlags(0, FlagPending)
			e.bump()
		}
	}
	e.mu.Unlock()

	if s != nil {
		s.stop(nil)
	}
}

// FreezeTarget suspends every thread of the target. No-op without a target.
func (e *Engine) FreezeTarget() {
	if t := e.currentTarget(); t != nil && t.Running() {
		if err := t.Suspend(); err != nil {
			e.logger.Warn("Failed to freeze target", zap.Error(err))
		}
	}
}

// UnfreezeTarget resumes a frozen target. No-op without a target.
func (e *Engine) UnfreezeTarget() {
	if t := e.currentTarget(); t != nil && t.Running() {
		if err := t.Resume(); err != nil {
			e.logger.Warn("Failed to unfreeze target", zap.Error(err))
		}
	}
}

// KillTarget terminates the target. The session notices the exit and stops
// itself.
func (e *Engine) KillTarget() {
	if t := e.currentTarget(); t != nil {
		if err := t.Terminate(); err != nil {
			e.logger.Warn("Failed to kill target", zap.Error(err))
		}
	}
}

// TargetPID returns the current target's pid, or 0.
func (e *Engine) TargetPID() uint32 {
	if t := e.currentTarget(); t != nil {
		return t.PID()
	}
	return 0
}

// TargetRunning reports whether the target is alive; false without a target.
func (e *Engine) TargetRunning() bool {
	if t := e.currentTarget(); t != nil {
		return t.Running()
	}
	return false
}

func (e *Engine) currentTarget() process.Target {
	s := e.sess.Load()
	if s == nil {
		return nil
	}
	t, _ := s.handles()
	return t
}

// Close stops any session and waits for submitted work. The engine cannot
// be restarted afterwards.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.StopMonitoring()

	var err error
	if e.pool != nil {
		err = e.pool.Wait()
	}
	// A submitted session may have started before closed was observed.
	e.StopMonitoring()
	return err
}
