package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/bpf-sandbox/binary"
	"github.com/jnesss/bpf-sandbox/database"
	"github.com/jnesss/bpf-sandbox/detect"
	"github.com/jnesss/bpf-sandbox/process"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/types"
)

// DefaultStopTimeout bounds the consumer join in StopMonitoring.
const DefaultStopTimeout = 2 * time.Second

// DefaultObjectPath is where the eBPF source looks for its object when no
// source is configured.
const DefaultObjectPath = "bpf/sandbox.o"

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSource replaces the eBPF tracing source.
func WithSource(src tracer.Source) Option {
	return func(e *Engine) { e.source = src }
}

// WithLauncher replaces the ptrace launcher.
func WithLauncher(l process.Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// WithDetector marks records the detector classifies as suspicious.
func WithDetector(d *detect.Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithJournal records a summary row per session.
func WithJournal(db *database.DB) Option {
	return func(e *Engine) { e.journal = db }
}

// WithSamples keeps a copy of every launched binary.
func WithSamples(c *binary.Cache) Option {
	return func(e *Engine) { e.samples = c }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithTarget sets what Submit launches.
func WithTarget(path string, args ...string) Option {
	return func(e *Engine) {
		e.target = path
		e.args = args
	}
}

// WithCategories limits the initially enabled categories. None means all.
func WithCategories(cats ...types.Category) Option {
	return func(e *Engine) {
		if len(cats) == 0 {
			return
		}
		var mask uint32
		for _, c := range cats {
			if c.Valid() {
				mask |= 1 << c
			}
		}
		e.enabled.Store(mask)
	}
}

// WithCorrelationCache bounds the number of processes tracked per session.
func WithCorrelationCache(n int) Option {
	return func(e *Engine) { e.corrSize = n }
}
