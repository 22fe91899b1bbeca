package reconciler

import (
	"context"
	"fmt"

	"github.com/easzlab/eztc/pkg/rules"
	"github.com/easzlab/eztc/pkg/shaper"
	"go.uber.org/zap"
)

// AnyTarget selects every rule of a batch.
const AnyTarget = "any"

// Resolver maps a rule target to the host adapter carrying its traffic.
type Resolver interface {
	Resolve(ctx context.Context, targetType rules.TargetType, name string) (string, error)
}

// Reconciler pushes rules to their adapters. It holds no state of its own:
// two passes may run concurrently and the last tool invocation wins at the adapter.
type Reconciler struct {
	resolver Resolver
	backend  shaper.Backend
	logger   *zap.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(resolver Resolver, backend shaper.Backend, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		resolver: resolver,
		backend:  backend,
		logger:   logger,
	}
}

// ApplyRules applies the selected rules in slice order. target is AnyTarget or the
// name of a single rule. An invalid target type or an unresolvable target aborts
// the rest of the batch; tool diagnostics are logged and the batch continues.
// ApplyRules never panics; unexpected failures end up in Report.Err.
func (r *Reconciler) ApplyRules(ctx context.Context, ruleSet []rules.Rule, target string) (report Report) {
	report.Target = target

	defer func() {
		if p := recover(); p != nil {
			report.Err = fmt.Errorf("reconciliation failed: %v", p)
			r.logger.Error("reconciliation failed", zap.String("target", target), zap.Error(report.Err))
		}
	}()

	selected := selectRules(ruleSet, target)
	if len(selected) == 0 {
		r.logger.Debug("no rules to apply", zap.String("target", target))
		return report
	}

	for i, rule := range selected {
		result, abort := r.applyRule(ctx, rule)
		report.Results = append(report.Results, result)
		if abort {
			for _, rest := range selected[i+1:] {
				report.Results = append(report.Results, Result{Name: rest.Name, Outcome: Skipped})
			}
			break
		}
	}

	r.logger.Info("rules applied",
		zap.String("target", target),
		zap.Int("applied", report.Count(Applied)),
		zap.Int("tool_failed", report.Count(ToolFailed)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Bool("aborted", report.Aborted()),
	)
	return report
}

// applyRule processes one rule and reports whether the batch must stop.
func (r *Reconciler) applyRule(ctx context.Context, rule rules.Rule) (Result, bool) {
	result := Result{Name: rule.Name}
	r.logger.Debug("processing rule",
		zap.String("target", rule.Name),
		zap.Stringer("target_type", rule.TargetType),
	)

	if !rule.TargetType.Valid() {
		result.Outcome = Aborted
		result.Err = fmt.Errorf("rule %q: %w: %s", rule.Name, rules.ErrUnknownTargetType, rule.TargetType)
		r.logger.Error("invalid target type, aborting batch", zap.String("target", rule.Name), zap.Error(result.Err))
		return result, true
	}

	adapter, err := r.resolver.Resolve(ctx, rule.TargetType, rule.Name)
	if err == nil && adapter == "" {
		err = fmt.Errorf("%s %q resolved to an empty adapter name", rule.TargetType, rule.Name)
	}
	if err != nil {
		result.Outcome = Aborted
		result.Err = err
		r.logger.Error("target not found, aborting batch",
			zap.Stringer("target_type", rule.TargetType),
			zap.String("target", rule.Name),
			zap.Error(err),
		)
		return result, true
	}
	result.Adapter = adapter

	applied := r.backend.Apply(ctx, adapter, rule.Params)
	result.Output = applied.Output
	if applied.Failed() {
		result.Outcome = ToolFailed
		result.Err = applied.Err
		if result.Err == nil {
			result.Err = fmt.Errorf("shaping tool reported: %s", applied.Stderr)
		}
		r.logger.Error("shaping tool reported an error",
			zap.String("target", rule.Name),
			zap.String("adapter", adapter),
			zap.String("params", rule.Params),
			zap.Error(result.Err),
		)
	} else {
		result.Outcome = Applied
		r.logger.Info("rule applied",
			zap.String("target", rule.Name),
			zap.String("adapter", adapter),
			zap.String("params", rule.Params),
		)
	}

	shown, err := r.backend.Show(ctx, adapter)
	if err != nil {
		r.logger.Error("show failed", zap.String("adapter", adapter), zap.Error(err))
	} else {
		r.logger.Debug("adapter configuration", zap.String("adapter", adapter), zap.String("output", shown))
	}

	return result, false
}

// selectRules returns every rule for AnyTarget, otherwise at most the first rule named target.
func selectRules(ruleSet []rules.Rule, target string) []rules.Rule {
	if target == AnyTarget {
		return ruleSet
	}
	for _, rule := range ruleSet {
		if rule.Name == target {
			return []rules.Rule{rule}
		}
	}
	return nil
}
