package expressions

// Scope holds the data visible to condition expressions and ${{...}}
// interpolation at one point in a run. Engines always see the same three
// namespaces so compiled programs stay cache-friendly across workflows.
type Scope struct {
	// Vars is the live context-variable map of the current execution scope.
	// It is owned by the run goroutine; evaluation never races with writes
	// because a run is single-threaded.
	Vars map[string]any

	// Workflow carries run metadata: name, version, run_id.
	Workflow map[string]any

	// Loop carries iteration variables (item, index, iteration, total).
	// nil outside loop bodies.
	Loop map[string]any
}

// Data returns the engine data map: {"vars": ..., "loop": ..., "workflow": ...}.
// Namespaces are always present; missing ones appear as empty maps so
// expressions like has(loop.item) never hit a nil reference. Inner maps are
// shared with the scope, not copied.
func (s *Scope) Data() map[string]any {
	data := make(map[string]any, 3)

	if s.Vars != nil {
		data["vars"] = s.Vars
	} else {
		data["vars"] = map[string]any{}
	}
	if s.Loop != nil {
		data["loop"] = s.Loop
	} else {
		data["loop"] = map[string]any{}
	}
	if s.Workflow != nil {
		data["workflow"] = s.Workflow
	} else {
		data["workflow"] = map[string]any{}
	}

	return data
}
