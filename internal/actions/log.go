package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/pkg/schema"
)

// LogActions returns the logging action. Lines go through the run's
// correlation-aware logger, so they carry the run and action identifiers.
func LogActions(logger *slog.Logger) []Action {
	return []Action{
		&logMessageAction{logger: logger},
	}
}

// --- log.message ---

type logMessageAction struct {
	logger *slog.Logger
}

func (a *logMessageAction) Name() string { return "log.message" }

func (a *logMessageAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a structured log line from the workflow",
	}
}

func (a *logMessageAction) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log.message: missing required param 'message'")
	}
	return nil
}

func (a *logMessageAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	level := stringParam(input.Params, "level", "info")
	message := stringParam(input.Params, "message", "")

	var attrs []any
	if data, ok := input.Params["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	logger := a.logger
	if logger == nil {
		logger = slog.Default()
	}

	switch level {
	case "debug":
		logger.DebugContext(ctx, message, attrs...)
	case "warn":
		logger.WarnContext(ctx, message, attrs...)
	case "error":
		logger.ErrorContext(ctx, message, attrs...)
	default:
		logger.InfoContext(ctx, message, attrs...)
	}

	return schema.Success("logged", map[string]any{
		"level":   level,
		"message": message,
	}), nil
}
