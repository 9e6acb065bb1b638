package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/bpf-sandbox/correlate"
	"github.com/jnesss/bpf-sandbox/database"
	"github.com/jnesss/bpf-sandbox/graph"
	"github.com/jnesss/bpf-sandbox/process"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/types"
)

var (
	// ErrLaunch: the target could not be spawned, suspended or released.
	ErrLaunch = errors.New("launch failed")
	// ErrAttach: the tracing subscription could not be opened.
	ErrAttach = errors.New("attach failed")
	// ErrStopTimeout: the consumer did not exit within the stop bound and
	// the tracing handle was force-closed.
	ErrStopTimeout = errors.New("consumer stop timed out")
)

// State is a capture session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateLaunching
	StateAttaching
	StateCapturing
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLaunching:
		return "Launching"
	case StateAttaching:
		return "Attaching"
	case StateCapturing:
		return "Capturing"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SessionResult describes how a session ended. Success is false only when
// launch or attach failed; Reason then wraps ErrLaunch or ErrAttach. A
// degraded stop is still a success, with Reason wrapping ErrStopTimeout.
type SessionResult struct {
	ID           string
	Target       string
	Args         []string
	PID          uint32
	SampleSHA256 string
	State        State
	Success      bool
	Reason       error
	Committed    uint64
	Dropped      uint64
	DegradedStop bool
	Detections   int
	ExitCode     int
	StartTime    time.Time
	StopTime     time.Time
}

// session is one CaptureSession. Its consumer goroutine is the only writer of
// the engine graph while the session is capturing.
type session struct {
	e      *Engine
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	id     string
	path   string
	args   []string
	sample string
	start  time.Time
	cfg    tracer.Config
	corr   *correlate.Correlator
	base   uint64 // monotonic ns at capture start

	state atomic.Int32

	mu     sync.Mutex
	target process.Target
	reader tracer.Reader

	done     chan struct{} // closed when the consumer exits
	stopping chan struct{}
	stopOnce sync.Once

	// Written by the consumer only; read after done is closed.
	committed  atomic.Uint64
	dropped    atomic.Uint64
	arenaDrops atomic.Uint64
	detections []database.DetectionRecord

	stats *process.Stats
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	s.e.bump()
	s.logger.Info("Session state changed", zap.Stringer("state", st))
}

func (s *session) handles() (process.Target, tracer.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, s.reader
}

// Bounds of the pause after a failed Read; it doubles per consecutive error.
const (
	minReadBackoff = time.Millisecond
	maxReadBackoff = 100 * time.Millisecond
)

// consume reads until the reader reports ErrClosed. Read errors count as
// decode drops and back off so a failing reader cannot spin the consumer.
func (s *session) consume(reader tracer.Reader) {
	defer close(s.done)
	backoff := time.Duration(0)
	for {
		rec, err := reader.Read()
		if err != nil {
			if errors.Is(err, tracer.ErrClosed) {
				return
			}
			s.drop(DropDecode, 1)
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			s.logger.Debug("Error reading trace record", zap.Error(err), zap.Duration("backoff", backoff))
			s.pause(backoff)
			continue
		}
		backoff = 0

		if rec.LostSamples != 0 {
			s.logger.Debug("Lost samples", zap.Uint64("count", rec.LostSamples))
			s.drop(DropLost, rec.LostSamples)
			continue
		}

		s.handle(rec.RawSample)
	}
}

// pause sleeps for d or until the session starts stopping, whichever is
// first. The next Read then observes the stop.
func (s *session) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stopping:
	}
}

func (s *session) handle(raw []byte) {
	evt, err := tracer.Decode(raw)
	if err != nil {
		s.logger.Debug("Error parsing event", zap.Error(err))
		s.drop(DropDecode, 1)
		return
	}

	cat, ok := types.ParseCategory(evt.Category)
	if !ok {
		s.logger.Debug("Unknown category", zap.Uint8("category", evt.Category), zap.Uint32("pid", evt.Pid))
		s.drop(DropDecode, 1)
		return
	}
	status, ok := types.ParseStatus(evt.Status)
	if !ok {
		s.logger.Debug("Unknown status, using Error", zap.Uint8("status", evt.Status))
	}

	if !s.cfg.Enabled(cat) {
		s.drop(DropFiltered, 1)
		return
	}
	link, ok := s.corr.Resolve(evt.Pid, evt.Ppid, cat, evt.Operation)
	if !ok {
		s.drop(DropFiltered, 1)
		return
	}

	reasons := s.e.detector.Classify(s.ctx, &evt)
	if len(reasons) > 0 {
		status = types.StatusSuspicious
	}

	var ts uint64
	if evt.Timestamp > s.base {
		ts = evt.Timestamp - s.base
	}

	id, err := s.e.graph.Append(types.Event{
		ParentID:      link.ParentID,
		Timestamp:     ts,
		PID:           evt.Pid,
		CorrelationID: link.CorrelationID,
		Category:      cat,
		Status:        status,
		Operation:     evt.Operation,
	})
	if err != nil {
		if errors.Is(err, graph.ErrArenaExhausted) {
			s.arenaDrop()
			return
		}
		s.logger.Debug("Append rejected", zap.Error(err))
		s.drop(DropDecode, 1)
		return
	}

	s.corr.Commit(evt.Pid, cat, evt.Operation, id, link)
	s.committed.Add(1)
	s.e.committed(cat)

	for _, r := range reasons {
		s.detections = append(s.detections, database.DetectionRecord{
			SessionID: s.id,
			EventID:   id,
			PID:       evt.Pid,
			Category:  cat.String(),
			Operation: types.OperationName(cat, evt.Operation),
			Timestamp: ts,
			Reason:    r,
		})
	}
	if len(reasons) > 0 {
		s.logger.Info("Suspicious event",
			zap.Uint64("event_id", id),
			zap.Uint32("pid", evt.Pid),
			zap.String("comm", evt.CommString()),
			zap.Strings("reasons", reasons))
	}
}

func (s *session) drop(reason string, n uint64) {
	s.dropped.Add(n)
	s.e.metrics.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

// arenaDrop records an event lost to arena exhaustion. Capture continues.
func (s *session) arenaDrop() {
	s.drop(DropArena, 1)
	if s.arenaDrops.Add(1) == 1 {
		s.logger.Warn("Arena exhausted, dropping further events",
			zap.Int("capacity", s.e.graph.Capacity()))
		s.e.updateFlags(FlagError, 0)
		s.e.bump()
	}
}

// watchExit stops the session when the target exits on its own.
func (s *session) watchExit(target process.Target) {
	select {
	case <-target.Exited():
	case <-s.stopping:
		return
	}
	select {
	case <-s.stopping:
		// Exit caused by stop itself.
		return
	default:
	}
	s.logger.Info("Target exited", zap.Int("exit_code", target.ExitCode()))
	s.stop(nil)
}

// stop moves the session to Stopped. Concurrent callers block until the
// first one has finished. failure, when set, marks the session Failed.
func (s *session) stop(failure error) {
	s.stopOnce.Do(func() {
		close(s.stopping)
		s.setState(StateStopping)

		target, reader := s.handles()
		degraded := s.join(reader)

		var pid uint32
		exitCode := -1
		if target != nil {
			pid = target.PID()
			if target.Running() {
				if st, err := process.Sample(pid); err == nil {
					s.stats = st
				}
				if err := target.Terminate(); err != nil {
					s.logger.Warn("Failed to terminate target", zap.Uint32("pid", pid), zap.Error(err))
				}
			}
			select {
			case <-target.Exited():
				exitCode = target.ExitCode()
			case <-time.After(s.e.stopTimeout):
				s.logger.Warn("Target did not exit after terminate", zap.Uint32("pid", pid))
			}
		}
		s.cancel()

		res := SessionResult{
			ID:           s.id,
			Target:       s.path,
			Args:         s.args,
			PID:          pid,
			SampleSHA256: s.sample,
			State:        StateStopped,
			Success:      failure == nil,
			Reason:       failure,
			Committed:    s.committed.Load(),
			Dropped:      s.dropped.Load(),
			DegradedStop: degraded,
			Detections:   len(s.detections),
			ExitCode:     exitCode,
			StartTime:    s.start,
			StopTime:     time.Now(),
		}
		if degraded && failure == nil {
			res.Reason = fmt.Errorf("%w after %s", ErrStopTimeout, s.e.stopTimeout)
		}

		s.state.Store(int32(StateStopped))
		s.e.finish(s, res)
	})
}

// join delivers the stop signal to the reader and waits for the consumer.
// When the bound is exceeded the reader is force-closed and the wait
// repeats without a bound. It reports whether that escalation happened.
func (s *session) join(reader tracer.Reader) bool {
	if reader == nil {
		return false
	}
	degraded := false

	if err := reader.Stop(); err != nil {
		s.logger.Debug("Error stopping reader", zap.Error(err))
	}

	timer := time.NewTimer(s.e.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		degraded = true
		s.logger.Warn("Consumer did not stop in time, force-closing tracer",
			zap.Duration("timeout", s.e.stopTimeout))
		s.e.metrics.DegradedStops.Inc()
		reader.Close()
		<-s.done
	}

	// Close is idempotent; this releases the handle on the clean path.
	if err := reader.Close(); err != nil {
		s.logger.Warn("Error closing reader", zap.Error(err))
	}
	return degraded
}
