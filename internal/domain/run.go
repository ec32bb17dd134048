package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrImmutableField is returned when a merge tries to change the run ID
var ErrImmutableField = errors.New("field is immutable")

// Ports is the resource pair allocated to an isolated run
type Ports struct {
	Backend  int `json:"backend"`
	Frontend int `json:"frontend"`
}

// Run is the persisted record of one workflow run.
// Unknown fields written by phases are kept in Extra and survive merges.
type Run struct {
	RunID          string            `json:"run_id"`
	WorkItem       string            `json:"work_item,omitempty"`
	WorkItemTitle  string            `json:"work_item_title,omitempty"`
	WorkItemBody   string            `json:"work_item_body,omitempty"`
	BranchName     string            `json:"branch_name,omitempty"`
	PlanFile       string            `json:"plan_file,omitempty"`
	IssueClass     string            `json:"issue_class,omitempty"`
	WorktreePath   string            `json:"worktree_path,omitempty"`
	Ports          *Ports            `json:"ports,omitempty"`
	ComplexityTier Tier              `json:"complexity_tier"`
	ModelOverrides map[string]string `json:"model_overrides,omitempty"`
	Chain          []string          `json:"chain"`
	State          PipelineState     `json:"state"`
	FailedPhase    Phase             `json:"failed_phase,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`

	Extra map[string]any `json:"-"`
}

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidRunID reports whether id is usable as a run ID and as a path element
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// NewRunID generates an 8 character run ID
func NewRunID() string {
	return uuid.NewString()[:8]
}

// Now returns the timestamp format used on persisted records
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewRun returns the default Run for id
func NewRun(id string) *Run {
	now := Now()
	return &Run{
		RunID:          id,
		ComplexityTier: TierStandard,
		Chain:          []string{id},
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Isolated reports whether the run executes in its own worktree
func (r *Run) Isolated() bool {
	return r.WorktreePath != ""
}

// Tier returns the complexity tier, defaulting to standard
func (r *Run) Tier() Tier {
	if r.ComplexityTier == "" {
		return TierStandard
	}
	return r.ComplexityTier
}

// HasChainMember reports whether id is already part of the run's chain
func (r *Run) HasChainMember(id string) bool {
	for _, c := range r.Chain {
		if c == id {
			return true
		}
	}
	return false
}

// Validate checks the record invariants
func (r *Run) Validate() error {
	if !ValidRunID(r.RunID) {
		return fmt.Errorf("invalid run id %q", r.RunID)
	}
	if _, err := ParseTier(string(r.ComplexityTier)); err != nil {
		return err
	}
	if r.WorktreePath != "" && r.Ports == nil {
		return fmt.Errorf("run %s: worktree_path set without ports", r.RunID)
	}
	if r.Ports != nil && (r.Ports.Backend <= 0 || r.Ports.Frontend <= 0) {
		return fmt.Errorf("run %s: invalid ports %d/%d", r.RunID, r.Ports.Backend, r.Ports.Frontend)
	}
	return nil
}

// Clone returns a deep copy of r
func (r *Run) Clone() *Run {
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("marshal run: %v", err))
	}
	var c Run
	if err := json.Unmarshal(data, &c); err != nil {
		panic(fmt.Sprintf("unmarshal run: %v", err))
	}
	return &c
}

// Merge overlays patch onto a copy of r and returns it.
// Keys may use the JSON names or their camelCase spelling. A nil value
// clears the field. The bool reports whether anything changed.
func (r *Run) Merge(patch map[string]any) (*Run, bool, error) {
	before, err := json.Marshal(r)
	if err != nil {
		return nil, false, err
	}
	var fields map[string]any
	if err := json.Unmarshal(before, &fields); err != nil {
		return nil, false, err
	}

	for k, v := range patch {
		key := CanonicalKey(k)
		if key == "run_id" {
			if s, ok := v.(string); ok && s == r.RunID {
				continue
			}
			return nil, false, fmt.Errorf("run_id: %w", ErrImmutableField)
		}
		if v == nil {
			delete(fields, key)
			continue
		}
		fields[key] = v
	}

	after, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("encoding merged run: %w", err)
	}
	var merged Run
	if err := json.Unmarshal(after, &merged); err != nil {
		return nil, false, fmt.Errorf("decoding merged run: %w", err)
	}
	if merged.ComplexityTier == "" {
		merged.ComplexityTier = TierStandard
	}
	if err := merged.Validate(); err != nil {
		return nil, false, err
	}

	canonical, err := json.Marshal(&merged)
	if err != nil {
		return nil, false, err
	}
	return &merged, !bytes.Equal(before, canonical), nil
}

type runAlias Run

var knownFields = func() map[string]bool {
	m := make(map[string]bool)
	t := reflect.TypeOf(runAlias{})
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name != "" && name != "-" {
			m[name] = true
		}
	}
	return m
}()

// CanonicalKey maps camelCase field names onto their snake_case JSON names.
// Keys that are not Run fields are returned unchanged.
func CanonicalKey(k string) string {
	if knownFields[k] {
		return k
	}
	if snake := SnakeCase(k); knownFields[snake] {
		return snake
	}
	return k
}

// SnakeCase converts a camelCase key such as parentRunID to parent_run_id
func SnakeCase(k string) string {
	runes := []rune(k)
	var b strings.Builder
	for i, c := range runes {
		if unicode.IsUpper(c) {
			if i > 0 && runes[i-1] != '_' {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(c))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// MarshalJSON flattens Extra next to the typed fields
func (r Run) MarshalJSON() ([]byte, error) {
	core, err := json.Marshal(runAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return core, nil
	}
	var m map[string]any
	if err := json.Unmarshal(core, &m); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if knownFields[k] {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON collects unknown fields into Extra
func (r *Run) UnmarshalJSON(data []byte) error {
	var core runAlias
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Run(core)
	r.Extra = nil
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = val
	}
	return nil
}
