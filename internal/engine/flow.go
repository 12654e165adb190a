package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// --- Conditional ---

// handleConditional evaluates the node's condition and executes the matching
// branch. An absent branch is a no-op. Evaluation failures (including
// non-boolean results) are failures of the conditional node itself and are
// routed through the strategy by the dispatch loop.
func (r *Runner) handleConditional(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error {
	var cfg schema.ConditionalConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "conditional %q: invalid config: %s", node.Name, err.Error())
	}

	pass, err := r.evalCondition(ctx, run, cfg.Condition, cfg.Language, ec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "conditional %q: %s", node.Name, err.Error()).WithCause(err)
	}

	branch := "then"
	body := cfg.Then
	branchPrefix := fmt.Sprintf("%sConditional %d: Then: ", prefix, pos)
	if !pass {
		branch = "else"
		body = cfg.Else
		branchPrefix = fmt.Sprintf("%sConditional %d: Else: ", prefix, pos)
	}

	r.emit(ctx, run, displayName(node, prefix, pos), schema.EventConditionEvaluated, map[string]any{
		"condition": cfg.Condition,
		"result":    pass,
		"branch":    branch,
	})

	if len(body) == 0 {
		return nil
	}
	// The branch shares the caller's context object: writes persist after
	// the conditional returns.
	return r.executeActions(ctx, run, body, ec, branchPrefix)
}

// evalCondition evaluates a boolean expression against the current scope.
// The empty language tag selects CEL.
func (r *Runner) evalCondition(ctx context.Context, run *runState, condition, language string, ec map[string]any) (bool, error) {
	engine, err := r.engines.ForLanguage(language)
	if err != nil {
		return false, err
	}
	scope := &expressions.Scope{Vars: ec, Workflow: run.workflow, Loop: loopScope(ec)}
	out, err := engine.Evaluate(ctx, condition, scope.Data())
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeAction,
			"condition %q must evaluate to a boolean, got %T", condition, out)
	}
	return pass, nil
}

// --- Loops ---

// handleLoop dispatches on the loop mode. All modes share the iteration
// rules: a shallow context copy per iteration carrying the loop_* variables,
// a cancellation check at the top of every iteration, and a loop_completed
// event with the executed iteration count.
func (r *Runner) handleLoop(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "loop %q: invalid config: %s", node.Name, err.Error())
	}

	display := displayName(node, prefix, pos)

	var iterations int
	var err error
	switch cfg.Mode {
	case schema.LoopModeCount:
		iterations, err = r.loopCount(ctx, run, node, &cfg, ec, prefix, pos, display)
	case schema.LoopModeForEach:
		iterations, err = r.loopForEach(ctx, run, node, &cfg, ec, prefix, pos, display)
	case schema.LoopModeWhile:
		iterations, err = r.loopConditional(ctx, run, node, &cfg, ec, prefix, pos, display, false)
	case schema.LoopModeUntil:
		iterations, err = r.loopConditional(ctx, run, node, &cfg, ec, prefix, pos, display, true)
	default:
		return schema.NewErrorf(schema.ErrCodeAction, "loop %q: unknown mode %q", node.Name, cfg.Mode)
	}
	if err != nil {
		return err
	}

	r.emit(ctx, run, display, schema.EventLoopCompleted, map[string]any{
		"mode":       cfg.Mode,
		"iterations": iterations,
	})
	return nil
}

// loopCount runs the body a fixed number of times. A count of zero or less
// means zero iterations, not an error.
func (r *Runner) loopCount(ctx context.Context, run *runState, node *schema.ActionNode, cfg *schema.LoopConfig, ec map[string]any, prefix string, pos int, display string) (int, error) {
	total := cfg.Count
	if total <= 0 {
		return 0, nil
	}

	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			return i, r.cancelErr(ctx, run)
		}
		iterEC := cloneVars(ec)
		iterEC[schema.LoopVarIndex] = i
		iterEC[schema.LoopVarIteration] = i + 1
		iterEC[schema.LoopVarTotal] = total

		iterPrefix := fmt.Sprintf("%sLoop %d: Iteration %d/%d: ", prefix, pos, i+1, total)
		r.emit(ctx, run, display, schema.EventLoopIterStarted, map[string]any{"iteration": i + 1, "total": total})
		if err := r.executeActions(ctx, run, cfg.Body, iterEC, iterPrefix); err != nil {
			return i, err
		}
		r.emit(ctx, run, display, schema.EventLoopIterCompleted, map[string]any{"iteration": i + 1, "total": total})
	}
	return total, nil
}

// loopForEach iterates over a list held in a context variable, in order.
// Absent variable or non-list value is an error of the loop node. loop_item
// aliases the stored element: mutating a nested map or slice inside the body
// is visible in the parent's list.
func (r *Runner) loopForEach(ctx context.Context, run *runState, node *schema.ActionNode, cfg *schema.LoopConfig, ec map[string]any, prefix string, pos int, display string) (int, error) {
	val, ok := ec[cfg.Over]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeAction,
			"loop %q: context variable %q not found", node.Name, cfg.Over)
	}
	items, ok := toSlice(val)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeAction,
			"loop %q: context variable %q is not a list (got %T)", node.Name, cfg.Over, val)
	}

	total := len(items)
	for i, item := range items {
		if ctx.Err() != nil {
			return i, r.cancelErr(ctx, run)
		}
		iterEC := cloneVars(ec)
		iterEC[schema.LoopVarIndex] = i
		iterEC[schema.LoopVarIteration] = i + 1
		iterEC[schema.LoopVarTotal] = total
		iterEC[schema.LoopVarItem] = item

		iterPrefix := fmt.Sprintf("%sLoop %d: Iteration %d/%d: ", prefix, pos, i+1, total)
		r.emit(ctx, run, display, schema.EventLoopIterStarted, map[string]any{"iteration": i + 1, "total": total})
		if err := r.executeActions(ctx, run, cfg.Body, iterEC, iterPrefix); err != nil {
			return i, err
		}
		r.emit(ctx, run, display, schema.EventLoopIterCompleted, map[string]any{"iteration": i + 1, "total": total})
	}
	return total, nil
}

// loopConditional handles while and until loops. While evaluates the
// condition before each body run and stops when false; until runs the body
// first and stops when the condition turns true. Both enforce the iteration
// ceiling: exceeding it is an error naming the loop, never a silent
// truncation. The condition evaluates against the loop's own scope, so
// progress across iterations flows through shared nested values.
func (r *Runner) loopConditional(ctx context.Context, run *runState, node *schema.ActionNode, cfg *schema.LoopConfig, ec map[string]any, prefix string, pos int, display string, until bool) (int, error) {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = r.maxLoopIterations
	}

	executed := 0
	for {
		if ctx.Err() != nil {
			return executed, r.cancelErr(ctx, run)
		}

		if !until {
			pass, err := r.evalCondition(ctx, run, cfg.Condition, cfg.Language, ec)
			if err != nil {
				return executed, schema.NewErrorf(schema.ErrCodeAction, "loop %q: %s", node.Name, err.Error()).WithCause(err)
			}
			if !pass {
				return executed, nil
			}
		}

		if executed >= maxIter {
			return executed, schema.NewErrorf(schema.ErrCodeAction,
				"loop %q exceeded %d iterations", node.Name, maxIter).
				WithDetails(map[string]any{"max_iterations": maxIter, "mode": cfg.Mode})
		}

		iterEC := cloneVars(ec)
		iterEC[schema.LoopVarIndex] = executed
		iterEC[schema.LoopVarIteration] = executed + 1

		iterPrefix := fmt.Sprintf("%sLoop %d: Iteration %d: ", prefix, pos, executed+1)
		r.emit(ctx, run, display, schema.EventLoopIterStarted, map[string]any{"iteration": executed + 1})
		if err := r.executeActions(ctx, run, cfg.Body, iterEC, iterPrefix); err != nil {
			return executed, err
		}
		r.emit(ctx, run, display, schema.EventLoopIterCompleted, map[string]any{"iteration": executed + 1})
		executed++

		if until {
			pass, err := r.evalCondition(ctx, run, cfg.Condition, cfg.Language, ec)
			if err != nil {
				return executed, schema.NewErrorf(schema.ErrCodeAction, "loop %q: %s", node.Name, err.Error()).WithCause(err)
			}
			if pass {
				return executed, nil
			}
		}
	}
}

// --- Recovery ---

// handleRecovery runs a protected nested list on the caller's own context
// object. Any error escaping the body is caught here: the fallback list runs
// if configured, otherwise the error is swallowed and the run continues.
// This is the one exception to global error propagation; cancellation is
// never intercepted.
func (r *Runner) handleRecovery(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error {
	var cfg schema.RecoveryConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "error_handling %q: invalid config: %s", node.Name, err.Error())
	}

	display := displayName(node, prefix, pos)
	bodyPrefix := fmt.Sprintf("%sErrorHandling %d: ", prefix, pos)
	err := r.executeActions(ctx, run, cfg.Body, ec, bodyPrefix)
	if err == nil {
		return nil
	}
	if isCancellation(err) {
		return err
	}

	r.emit(ctx, run, display, schema.EventRecoveryTriggered, map[string]any{"error": err.Error()})
	r.logger.Warn("recovery caught error", "run_id", run.id, "action", display, "error", err)

	if len(cfg.Fallback) == 0 {
		return nil
	}
	r.emit(ctx, run, display, schema.EventRecoveryFallback, nil)
	fallbackPrefix := fmt.Sprintf("%sErrorHandling %d: Fallback: ", prefix, pos)
	return r.executeActions(ctx, run, cfg.Fallback, ec, fallbackPrefix)
}

// --- Template ---

// handleTemplate expands a named action list from the definition's templates
// in place, as an inline nested scope on the caller's context object.
// Ordinary dispatch semantics apply inside; there is no special error
// handling.
func (r *Runner) handleTemplate(ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error {
	var cfg schema.TemplateConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeAction, "template %q: invalid config: %s", node.Name, err.Error())
	}

	body, ok := run.def.Templates[cfg.Template]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeAction, "template %q not defined", cfg.Template)
	}

	r.emit(ctx, run, displayName(node, prefix, pos), schema.EventTemplateExpanded, map[string]any{
		"template": cfg.Template,
		"nodes":    len(body),
	})

	tmplPrefix := fmt.Sprintf("%sTemplate %d (%s): ", prefix, pos, cfg.Template)
	return r.executeActions(ctx, run, body, ec, tmplPrefix)
}
