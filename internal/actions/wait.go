package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

const maxWaitDuration = 10 * time.Minute

// WaitActions returns the wait action.
func WaitActions() []Action {
	return []Action{
		&waitAction{},
	}
}

// --- wait ---

// waitAction pauses the run for a fixed duration. In automation flows this
// bridges gaps the driver cannot signal (page settles, rate limits, polling
// intervals). The sleep honors cancellation.
type waitAction struct{}

func (a *waitAction) Name() string { return "wait" }

func (a *waitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Pause the run for a duration such as '500ms' or '2s'",
	}
}

func (a *waitAction) Validate(params map[string]any) error {
	d, err := parseWaitDuration(params)
	if err != nil {
		return err
	}
	if d > maxWaitDuration {
		return schema.NewErrorf(schema.ErrCodeValidation, "wait: duration %s exceeds the %s maximum", d, maxWaitDuration)
	}
	return nil
}

func (a *waitAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	d, _ := parseWaitDuration(input.Params)

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "wait interrupted after cancellation").WithCause(ctx.Err())
	}

	return schema.Success(fmt.Sprintf("waited %s", d), map[string]any{
		"duration_ms": d.Milliseconds(),
	}), nil
}

// parseWaitDuration accepts either 'duration' ("2s") or numeric 'ms'.
func parseWaitDuration(params map[string]any) (time.Duration, error) {
	if ds := stringParam(params, "duration", ""); ds != "" {
		d, err := time.ParseDuration(ds)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", ds)
		}
		if d < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "wait: duration must not be negative")
		}
		return d, nil
	}
	if ms := intParam(params, "ms", -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, schema.NewError(schema.ErrCodeValidation, "wait requires a 'duration' string or 'ms' integer parameter")
}
