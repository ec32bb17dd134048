package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// chainCarryFields are copied from a failed run onto its corrective sub-run
var chainCarryFields = []string{
	"work_item", "work_item_title", "work_item_body", "branch_name",
	"plan_file", "issue_class", "worktree_path",
}

// Chain creates a corrective sub-run of a failed run. The sub-run works in
// the parent's workspace, starts from the state before the failed phase and
// joins the parent's chain; every existing chain member records it too.
func (o *Orchestrator) Chain(ctx context.Context, parentID string) (*domain.Run, error) {
	parent, err := o.store.Load(parentID)
	if err != nil {
		return nil, err
	}
	if parent.State != domain.StateFailed || parent.FailedPhase == "" {
		return nil, fmt.Errorf("run %s is %s: %w", parentID, parent.State, ErrNotFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	childID := domain.NewRunID()
	for parent.HasChainMember(childID) {
		childID = domain.NewRunID()
	}
	if _, err := o.store.Create(childID); err != nil {
		return nil, err
	}

	patch := make(map[string]any, len(parent.Extra)+len(chainCarryFields)+8)
	for k, v := range parent.Extra {
		if !protectedFields[k] {
			patch[k] = v
		}
	}
	fields, err := toFields(parent)
	if err != nil {
		return nil, err
	}
	for _, k := range chainCarryFields {
		if v, ok := fields[k]; ok {
			patch[k] = v
		}
	}
	if parent.Ports != nil {
		patch["ports"] = fields["ports"]
	}
	if len(parent.ModelOverrides) > 0 {
		patch["model_overrides"] = fields["model_overrides"]
	}
	patch["complexity_tier"] = string(parent.Tier())
	patch["chain"] = append(append([]string{}, parent.Chain...), childID)
	patch["state"] = string(stateBefore(parent.FailedPhase))
	patch["parent_run_id"] = parentID
	patch["resolve_phase"] = string(parent.FailedPhase)
	if text := extraString(parent, "failure_text"); text != "" {
		patch["failure_text"] = text
	}

	child, err := o.store.Update(childID, patch)
	if err != nil {
		return nil, fmt.Errorf("seeding sub-run %s: %w", childID, err)
	}
	for _, member := range parent.Chain {
		if _, err := o.store.AppendChainMember(member, childID); err != nil {
			o.logger.Warn("linking chain member", "run_id", member, "child", childID, "error", err)
		}
	}
	if !parent.HasChainMember(parentID) {
		if _, err := o.store.AppendChainMember(parentID, childID); err != nil {
			return nil, err
		}
	}

	o.logger.Info("corrective run created", "run_id", childID, "parent_run_id", parentID, "phase", parent.FailedPhase)
	return child, nil
}

// Retry creates a corrective sub-run for a failed run, lets the resolver
// agent work on the recorded failure, then runs the failed phase through to.
// An empty to runs the rest of the pipeline.
func (o *Orchestrator) Retry(ctx context.Context, parentID string, to domain.Phase) (*domain.Run, error) {
	child, err := o.Chain(ctx, parentID)
	if err != nil {
		return nil, err
	}
	failed := domain.Phase(extraString(child, "resolve_phase"))

	if child, err = o.RunPhase(ctx, child.RunID, domain.PhaseResolve); err != nil {
		return child, err
	}

	if failed.Index() < 0 {
		return o.RunPhase(ctx, child.RunID, failed)
	}
	if to == "" {
		to = domain.Pipeline[len(domain.Pipeline)-1]
	}
	return o.RunRange(ctx, child.RunID, failed, to)
}

// stateBefore is the state a run has right before phase starts
func stateBefore(phase domain.Phase) domain.PipelineState {
	if i := phase.Index(); i > 0 {
		return domain.Pipeline[i-1].DoneState()
	}
	return domain.StateCreated
}

// toFields renders the run in its persisted JSON shape
func toFields(run *domain.Run) (map[string]any, error) {
	data, err := run.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
