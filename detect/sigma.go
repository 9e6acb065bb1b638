package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MatchResult represents a rule that matched an event
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

// createHardcodedConfig maps common Sigma field names onto the keys produced
// by Fields.
func createHardcodedConfig() sigma.Config {
	return sigma.Config{
		Title: "BPF Sandbox Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"ImageLoaded":     {TargetNames: []string{"ImageLoaded"}},
			"TargetFilename":  {TargetNames: []string{"TargetFilename"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"ParentProcessId": {TargetNames: []string{"ParentProcessId"}},
			"DestinationIp":   {TargetNames: []string{"DestinationIp"}},
			"DestinationPort": {TargetNames: []string{"DestinationPort"}},
			"QueryName":       {TargetNames: []string{"QueryName"}},
			"ProcessName":     {TargetNames: []string{"Comm"}},
		},
	}
}

func (d *Detector) enabledDir() string {
	return filepath.Join(d.RulesDir, "enabled_rules")
}

// LoadRules replaces the active rule set with every rule file found in the
// enabled_rules directory. Files that fail to parse are skipped.
func (d *Detector) LoadRules() error {
	enabledDir := d.enabledDir()

	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %w", err)
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(enabledDir, file.Name())
		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			d.logger.Warn("Failed to load rule file", zap.String("path", filePath), zap.Error(err))
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		d.logger.Debug("Loaded rule",
			zap.String("title", ruleEvaluator.Rule.Title), zap.String("id", ruleEvaluator.Rule.ID))
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.logger.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", enabledDir))
	return nil
}

// loadRuleFile parses a single rule file
func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	// Aggregations are not supported over a single event stream.
	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// CheckEvent evaluates event against every loaded rule.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []MatchResult
	for _, ruleEvaluator := range d.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			d.logger.Debug("Error evaluating rule",
				zap.String("rule", ruleEvaluator.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		results = append(results, MatchResult{
			Rule: ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}
	return results
}

// RuleCount returns the number of active rules.
func (d *Detector) RuleCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.evaluators)
}

// ReloadRules schedules a reload; concurrent requests coalesce.
func (d *Detector) ReloadRules() {
	select {
	case d.reloadChan <- struct{}{}:
	default:
	}
}

func (d *Detector) setupWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(d.enabledDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", d.enabledDir(), err)
	}
	d.watcher = watcher

	d.wg.Add(2)
	go d.watchFileChanges()
	go d.reloadLoop()

	d.logger.Info("Watching rules directory", zap.String("dir", d.enabledDir()))
	return nil
}

func (d *Detector) watchFileChanges() {
	defer d.wg.Done()
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.logger.Debug("Detected rule change",
					zap.String("path", event.Name), zap.String("op", event.Op.String()))
				d.ReloadRules()
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (d *Detector) reloadLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.reloadChan:
			if err := d.LoadRules(); err != nil {
				d.logger.Warn("Error reloading rules", zap.Error(err))
			}
			if d.onReload != nil {
				d.onReload()
			}
		}
	}
}
