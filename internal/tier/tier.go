// Package tier resolves which model runs a phase.
package tier

import (
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Models holds the model identifier for each complexity tier
type Models struct {
	Standard string `toml:"standard" json:"standard"`
	Elevated string `toml:"elevated" json:"elevated"`
}

// For returns the identifier for t, falling back to Standard
func (m Models) For(t domain.Tier) string {
	if t == domain.TierElevated && m.Elevated != "" {
		return m.Elevated
	}
	return m.Standard
}

// DefaultTable is the built-in phase to model mapping
var DefaultTable = map[domain.Phase]Models{
	domain.PhaseClassify: {Standard: "sonnet", Elevated: "sonnet"},
	domain.PhasePlan:     {Standard: "sonnet", Elevated: "opus"},
	domain.PhaseBuild:    {Standard: "sonnet", Elevated: "opus"},
	domain.PhaseVerify:   {Standard: "sonnet", Elevated: "sonnet"},
	domain.PhaseReview:   {Standard: "sonnet", Elevated: "sonnet"},
	domain.PhasePublish:  {Standard: "sonnet", Elevated: "opus"},
	domain.PhaseShip:     {Standard: "sonnet", Elevated: "sonnet"},
	domain.PhaseResolve:  {Standard: "sonnet", Elevated: "opus"},
	domain.PhaseDoctor:   {Standard: "sonnet", Elevated: "sonnet"},
}

// Selector maps (phase, tier) to a model identifier
type Selector struct {
	table    map[domain.Phase]Models
	fallback string
}

// NewSelector builds a Selector from the built-in table with overrides
// applied on top. fallback is used for phases missing from the table.
func NewSelector(overrides map[string]Models, fallback string) *Selector {
	table := make(map[domain.Phase]Models, len(DefaultTable)+len(overrides))
	for p, m := range DefaultTable {
		table[p] = m
	}
	for name, m := range overrides {
		cur := table[domain.Phase(name)]
		if m.Standard != "" {
			cur.Standard = m.Standard
		}
		if m.Elevated != "" {
			cur.Elevated = m.Elevated
		}
		table[domain.Phase(name)] = cur
	}
	return &Selector{table: table, fallback: fallback}
}

// Select returns the model for phase given the run's tier and overrides.
// It never fails: unknown phases resolve to the fallback.
func (s *Selector) Select(phase domain.Phase, run *domain.Run) string {
	t := domain.TierStandard
	if run != nil {
		if m := run.ModelOverrides[string(phase)]; m != "" {
			return m
		}
		t = run.Tier()
	}
	m, ok := s.table[phase]
	if !ok {
		return s.fallback
	}
	if id := m.For(t); id != "" {
		return id
	}
	return s.fallback
}
