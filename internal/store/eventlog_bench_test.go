package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/pkg/schema"
)

func openBenchLog(b *testing.B) (*EventLog, *LibSQLStore, context.Context) {
	b.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return NewEventLog(s), s, ctx
}

func seedRuns(b *testing.B, s *LibSQLStore, n int) []string {
	b.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
		if err := s.CreateRun(context.Background(), &Run{
			ID:           ids[i],
			WorkflowName: "bench-workflow",
			Status:       schema.RunStatusRunning,
			Trigger:      "manual",
		}); err != nil {
			b.Fatal(err)
		}
	}
	return ids
}

func BenchmarkAppendSingleRun(b *testing.B) {
	el, s, ctx := openBenchLog(b)
	runID := seedRuns(b, s, 1)[0]

	for b.Loop() {
		el.AppendEvent(ctx, &Event{
			RunID:  runID,
			Action: "step (wait, Step 1)",
			Type:   schema.EventActionStarted,
		})
	}
}

func BenchmarkAppendAcrossRuns(b *testing.B) {
	el, s, ctx := openBenchLog(b)
	ids := seedRuns(b, s, 100)

	i := 0
	for b.Loop() {
		el.AppendEvent(ctx, &Event{
			RunID:  ids[i%len(ids)],
			Action: "step (wait, Step 1)",
			Type:   schema.EventActionStarted,
		})
		i++
	}
}

func BenchmarkAppendParallel(b *testing.B) {
	for _, writers := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			benchParallelAppend(b, writers)
		})
	}
}

func benchParallelAppend(b *testing.B, writers int) {
	el, s, ctx := openBenchLog(b)
	// One run per writer keeps them off each other's sequence counters.
	ids := seedRuns(b, s, writers)

	share := max(b.N/writers, 1)
	b.ResetTimer()
	var wg sync.WaitGroup
	for _, runID := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range share {
				el.AppendEvent(ctx, &Event{
					RunID:  runID,
					Action: fmt.Sprintf("step (wait, Step %d)", j%10+1),
					Type:   schema.EventActionStarted,
				})
			}
		}()
	}
	wg.Wait()
}

func BenchmarkReplayRun(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			el, s, ctx := openBenchLog(b)
			runID := seedRuns(b, s, 1)[0]

			types := []string{schema.EventActionStarted, schema.EventActionCompleted}
			for i := range count {
				el.AppendEvent(ctx, &Event{
					RunID:  runID,
					Action: fmt.Sprintf("step (wait, Step %d)", i%10+1),
					Type:   types[i%2],
				})
			}

			for b.Loop() {
				el.ReplayRun(ctx, runID)
			}
		})
	}
}
