// Package detect marks captured records as suspicious, using Sigma rules
// loaded from disk plus a small set of built-in heuristics.
package detect

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-sandbox/network"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/types"
)

// Detector manages Sigma rules and heuristic detection. A nil *Detector
// classifies nothing.
type Detector struct {
	RulesDir string

	logger     *zap.Logger
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	reloadChan chan struct{}
	watcher    *fsnotify.Watcher
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once

	// onReload is called after each watcher-triggered reload; tests use it.
	onReload func()
}

// NewDetector creates a detector. With an empty rulesDir only the heuristics
// run. Otherwise rules are loaded from rulesDir/enabled_rules and reloaded
// whenever a rule file there changes; rulesDir/disabled_rules is created as a
// parking place for rules that should not run.
func NewDetector(rulesDir string, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		RulesDir:   rulesDir,
		logger:     logger,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if rulesDir == "" {
		return d, nil
	}

	for _, dir := range []string{"enabled_rules", "disabled_rules"} {
		if err := os.MkdirAll(filepath.Join(rulesDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := d.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if err := d.setupWatcher(); err != nil {
		return nil, fmt.Errorf("failed to set up file watcher: %w", err)
	}
	return d, nil
}

// Classify returns the reasons evt is suspicious; none means it is not.
func (d *Detector) Classify(ctx context.Context, evt *tracer.RawEvent) []string {
	if d == nil {
		return nil
	}

	var reasons []string
	cat := types.Category(evt.Category)

	switch cat {
	case types.CategoryDns:
		if q, err := network.ParseDNSQuery(evt.Detail[:]); err == nil && IsDGADomain(q.QueryName) {
			reasons = append(reasons, "dga-domain "+q.QueryName)
		}
	case types.CategoryImage:
		if IsSuspiciousImagePath(evt.DetailString()) {
			reasons = append(reasons, "image from scratch directory")
		}
	case types.CategoryMemory:
		if IsWritableExecutable(binary.LittleEndian.Uint32(evt.Detail[16:])) {
			reasons = append(reasons, "writable and executable mapping")
		}
	case types.CategoryProcess:
		if evt.Operation == types.ProcessInject {
			reasons = append(reasons, "ptrace of another process")
		}
	}

	if d.RuleCount() > 0 {
		for _, m := range d.CheckEvent(ctx, Fields(evt)) {
			reasons = append(reasons, fmt.Sprintf("sigma %s (%s)", m.Rule.Title, m.Rule.ID))
		}
	}
	return reasons
}

// Close stops watching the rules directory.
func (d *Detector) Close() error {
	if d == nil {
		return nil
	}
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		if d.watcher != nil {
			err = d.watcher.Close()
		}
		d.wg.Wait()
	})
	return err
}
