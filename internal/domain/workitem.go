package domain

import "fmt"

// WorkItem is an external unit of work, typically a tracker issue
type WorkItem struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// WorkflowRequest is what classification extracts from a work item body
type WorkflowRequest struct {
	HasWorkflow bool   `json:"has_workflow"`
	Pipeline    string `json:"pipeline,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	Tier        Tier   `json:"complexity_tier,omitempty"`
	IssueClass  string `json:"issue_class,omitempty"`
}

// Range returns the inclusive slice of the pipeline from..to
func Range(from, to Phase) []Phase {
	i, j := from.Index(), to.Index()
	if i < 0 || j < 0 || i > j {
		return nil
	}
	out := make([]Phase, 0, j-i+1)
	return append(out, Pipeline[i:j+1]...)
}

// NamedPipelines maps the workflow names accepted from work items to phase lists
var NamedPipelines = map[string][]Phase{
	"plan":                     {PhasePlan},
	"build":                    {PhaseBuild},
	"verify":                   {PhaseVerify},
	"review":                   {PhaseReview},
	"publish":                  {PhasePublish},
	"ship":                     {PhaseShip},
	"plan_build":               {PhasePlan, PhaseBuild},
	"plan_build_verify":        {PhasePlan, PhaseBuild, PhaseVerify},
	"plan_build_review":        {PhasePlan, PhaseBuild, PhaseReview},
	"plan_build_verify_review": {PhasePlan, PhaseBuild, PhaseVerify, PhaseReview},
	"sdlc":                     Pipeline,
}

// LookupPipeline resolves a named pipeline
func LookupPipeline(name string) ([]Phase, error) {
	phases, ok := NamedPipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return phases, nil
}
