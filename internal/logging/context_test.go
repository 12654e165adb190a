package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// textCapture builds a debug-level text logger writing into the returned buffer.
func textCapture() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// correlationCapture builds a correlation handler over a JSON sink.
func correlationCapture() (slog.Handler, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewCorrelationHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, RunID(ctx))
	assert.Empty(t, Workflow(ctx))
	assert.Empty(t, Action(ctx))

	ctx = WithRunID(ctx, "run-7f3")
	ctx = WithWorkflow(ctx, "checkout-smoke")
	ctx = WithAction(ctx, "Open page (navigate, Step 1)")

	assert.Equal(t, "run-7f3", RunID(ctx))
	assert.Equal(t, "checkout-smoke", Workflow(ctx))
	assert.Equal(t, "Open page (navigate, Step 1)", Action(ctx))
}

func TestWithIDsSetsAll(t *testing.T) {
	ctx := WithIDs(context.Background(), "run-1", "wf-2", "act-3")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "wf-2", Workflow(ctx))
	assert.Equal(t, "act-3", Action(ctx))
}

func TestLogWith(t *testing.T) {
	t.Run("all ids attached", func(t *testing.T) {
		logger, buf := textCapture()
		ctx := WithIDs(context.Background(), "run-9d2", "login-flow", "step-x")

		LogWith(ctx, logger).Info("dispatching")

		out := buf.String()
		assert.Contains(t, out, "run_id=run-9d2")
		assert.Contains(t, out, "workflow=login-flow")
		assert.Contains(t, out, "action=step-x")
		assert.Contains(t, out, "dispatching")
	})

	t.Run("absent ids stay absent", func(t *testing.T) {
		logger, buf := textCapture()
		ctx := WithRunID(context.Background(), "run-solo")

		LogWith(ctx, logger).Info("partial ids")

		out := buf.String()
		assert.Contains(t, out, "run_id=run-solo")
		assert.NotContains(t, out, "workflow=")
		assert.NotContains(t, out, "action=")
	})

	t.Run("bare context adds nothing", func(t *testing.T) {
		logger, buf := textCapture()

		LogWith(context.Background(), logger).Info("plain line")

		out := buf.String()
		assert.NotContains(t, out, "run_id")
		assert.NotContains(t, out, "workflow=")
		assert.NotContains(t, out, "action=")
		assert.Contains(t, out, "plain line")
	})
}

func TestCorrelationHandler(t *testing.T) {
	t.Run("injects ids from context", func(t *testing.T) {
		h, buf := correlationCapture()
		ctx := WithIDs(context.Background(), "run-auto", "wf-auto", "act-auto")

		slog.New(h).InfoContext(ctx, "injected")

		out := buf.String()
		assert.Contains(t, out, `"run_id":"run-auto"`)
		assert.Contains(t, out, `"workflow":"wf-auto"`)
		assert.Contains(t, out, `"action":"act-auto"`)
		assert.Contains(t, out, "injected")
	})

	t.Run("bare context stays clean", func(t *testing.T) {
		h, buf := correlationCapture()

		slog.New(h).InfoContext(context.Background(), "plain record")

		out := buf.String()
		assert.NotContains(t, out, "run_id")
		assert.NotContains(t, out, "workflow")
		assert.NotContains(t, out, "action")
		assert.Contains(t, out, "plain record")
	})

	t.Run("partial ids inject partially", func(t *testing.T) {
		h, buf := correlationCapture()
		ctx := WithRunID(context.Background(), "run-solo")

		slog.New(h).InfoContext(ctx, "partial record")

		out := buf.String()
		assert.Contains(t, out, `"run_id":"run-solo"`)
		assert.NotContains(t, out, `"workflow"`)
		assert.NotContains(t, out, `"action"`)
	})

	t.Run("preserves attrs", func(t *testing.T) {
		h, buf := correlationCapture()
		logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

		logger.InfoContext(WithRunID(context.Background(), "run-attr"), "attributed")

		out := buf.String()
		assert.Contains(t, out, `"run_id":"run-attr"`)
		assert.Contains(t, out, `"component":"engine"`)
	})

	t.Run("preserves groups", func(t *testing.T) {
		h, buf := correlationCapture()
		logger := slog.New(h.WithGroup("engine"))

		logger.InfoContext(WithRunID(context.Background(), "run-grp"), "grouped", "key", "val")

		out := buf.String()
		assert.Contains(t, out, "run-grp")
		assert.Contains(t, out, "grouped")
	})
}
