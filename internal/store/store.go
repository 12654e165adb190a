package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (saved definitions, keyed by name)
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, name string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, name string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Results (per-run ordered action results)
	SaveResults(ctx context.Context, runID string, results []*RunResult) error
	ListResults(ctx context.Context, runID string) ([]*RunResult, error)

	// Events (append-only log; AppendEvent assigns the per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]*Event, error)
	QueryEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	// Plugins
	SavePlugin(ctx context.Context, plugin *Plugin) error
	GetPlugin(ctx context.Context, name string) (*Plugin, error)
	ListPlugins(ctx context.Context) ([]*Plugin, error)
	DeletePlugin(ctx context.Context, name string) error

	// Secrets (values arrive encrypted; the vault owns the cipher)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}
