package engine

import "github.com/tesseradb/tessera/pkg/types"

// Query executes a pre-lowered pipeline and collects hits. This is the
// entry point external surfaces (the JSON parser, bindings) call into.
func (e *Engine) Query(steps []types.Step) (types.Outcome[[]types.Hit], error) {
	return e.FromSteps(steps).Collect()
}

// QueryCount executes a pipeline for its cardinality only.
func (e *Engine) QueryCount(steps []types.Step) (types.Outcome[int], error) {
	return e.FromSteps(steps).Count()
}

// QueryFirst executes a pipeline and resolves the first hit, if any.
func (e *Engine) QueryFirst(steps []types.Step) (types.Outcome[*types.Hit], error) {
	return e.FromSteps(steps).First()
}

// QueryExists executes a pipeline as an existence check.
func (e *Engine) QueryExists(steps []types.Step) (types.Outcome[bool], error) {
	return e.FromSteps(steps).Exists()
}

// Explain lowers a pipeline without executing it.
func (e *Engine) Explain(steps []types.Step) types.Plan {
	return e.FromSteps(steps).Explain()
}
