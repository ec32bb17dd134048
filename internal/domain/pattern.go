package domain

import "time"

// Confidence is how sure the doctor is about a pattern match
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// PatternStatus marks whether a pattern still occurs
type PatternStatus string

const (
	PatternActive     PatternStatus = "active"
	PatternHistorical PatternStatus = "historical"
)

// Fix is the documented remediation of a failure pattern
type Fix struct {
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
	Notes  string `json:"notes,omitempty" yaml:"notes,omitempty"`
	// Placeholder is set on fixes seeded for patterns seen for the first time
	Placeholder bool `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
}

// Documented reports whether the fix carries anything actionable
func (f Fix) Documented() bool {
	return f.Placeholder || f.After != "" || f.Notes != ""
}

// Replacement reports whether the fix is a before/after text edit
func (f Fix) Replacement() bool {
	return f.File != "" && f.Before != ""
}

// FailurePattern is a documented failure signature in the knowledge base
type FailurePattern struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Signature   string        `json:"signature"`
	Normalized  string        `json:"normalized"`
	RootCause   string        `json:"root_cause"`
	Fix         Fix           `json:"fix"`
	Occurrences int           `json:"occurrences"`
	FirstSeen   time.Time     `json:"first_seen"`
	LastSeen    time.Time     `json:"last_seen"`
	Status      PatternStatus `json:"status"`
}

// Diagnosis is the doctor's verdict on one failure text
type Diagnosis struct {
	PatternID  string     `json:"pattern_id,omitempty"`
	Confidence Confidence `json:"confidence"`
	Score      float64    `json:"score"`
	Category   string     `json:"category"`
	Fix        *Fix       `json:"fix,omitempty"`
	NewPattern bool       `json:"new_pattern,omitempty"`
}

// AutoFixable reports whether the diagnosis permits applying its fix unattended
func (d *Diagnosis) AutoFixable() bool {
	return d != nil && d.Confidence == ConfidenceHigh && d.Fix != nil && d.Fix.Documented()
}
