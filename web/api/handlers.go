package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
)

// RunResponse is the API response for a run in a listing
type RunResponse struct {
	RunID        string        `json:"run_id"`
	WorkItem     string        `json:"work_item,omitempty"`
	Title        string        `json:"title,omitempty"`
	State        string        `json:"state"`
	FailedPhase  string        `json:"failed_phase,omitempty"`
	Branch       string        `json:"branch,omitempty"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	Ports        *domain.Ports `json:"ports,omitempty"`
	Tier         string        `json:"complexity_tier"`
	Chain        []string      `json:"chain"`
	UpdatedAt    string        `json:"updated_at"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Total    int            `json:"total"`
	ByState  map[string]int `json:"by_state"`
	Isolated int            `json:"isolated"`
	Patterns int            `json:"patterns"`
}

// PoolResponse is the API response for the port pool
type PoolResponse struct {
	Size         int            `json:"size"`
	BackendBase  int            `json:"backend_base"`
	FrontendBase int            `json:"frontend_base"`
	InUse        int            `json:"in_use"`
	Slots        []SlotResponse `json:"slots"`
}

// SlotResponse is one occupied pool slot
type SlotResponse struct {
	Slot     int          `json:"slot"`
	RunID    string       `json:"run_id"`
	Ports    domain.Ports `json:"ports"`
	State    string       `json:"state"`
	Worktree string       `json:"worktree_path"`
}

func runToResponse(r *domain.Run) RunResponse {
	return RunResponse{
		RunID:        r.RunID,
		WorkItem:     r.WorkItem,
		Title:        r.WorkItemTitle,
		State:        string(r.State),
		FailedPhase:  string(r.FailedPhase),
		Branch:       r.BranchName,
		WorktreePath: r.WorktreePath,
		Ports:        r.Ports,
		Tier:         string(r.Tier()),
		Chain:        r.Chain,
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.runs.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := StatusResponse{Total: len(runs), ByState: make(map[string]int)}
		for _, run := range runs {
			resp.ByState[string(run.State)]++
			if run.Isolated() {
				resp.Isolated++
			}
		}
		if s.patterns != nil {
			patterns, err := s.patterns.List(r.Context(), knowledge.ListOptions{Status: domain.PatternActive})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp.Patterns = len(patterns)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.runs.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		// Filter by state
		want := r.URL.Query().Get("state")
		work := r.URL.Query().Get("work_item")

		resp := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			if want != "" && string(run.State) != want {
				continue
			}
			if work != "" && run.WorkItem != work {
				continue
			}
			resp = append(resp, runToResponse(run))
		}
		sort.Slice(resp, func(i, j int) bool { return resp[i].UpdatedAt > resp[j].UpdatedAt })
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.Load(r.PathValue("id"))
		switch {
		case errors.Is(err, state.ErrInvalidRunID):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, state.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// the full record including phase output fields
		writeJSON(w, run)
	}
}

func (s *Server) listPatternsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.patterns == nil {
			writeJSON(w, []*domain.FailurePattern{})
			return
		}
		opts := knowledge.ListOptions{
			Status:   domain.PatternStatus(r.URL.Query().Get("status")),
			Category: r.URL.Query().Get("category"),
		}
		patterns, err := s.patterns.List(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if patterns == nil {
			patterns = []*domain.FailurePattern{}
		}
		writeJSON(w, patterns)
	}
}

func (s *Server) getPatternHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.patterns == nil {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		p, err := s.patterns.Get(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, knowledge.ErrPatternNotFound):
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, p)
	}
}

// poolHandler reports the slots held by runs that still own a workspace
func (s *Server) poolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.runs.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := PoolResponse{
			Size:         s.pool.Size,
			BackendBase:  s.pool.BackendBase,
			FrontendBase: s.pool.FrontendBase,
			Slots:        []SlotResponse{},
		}
		for _, run := range runs {
			if !run.Isolated() || run.Ports == nil {
				continue
			}
			slot, ok := s.pool.SlotOf(*run.Ports)
			if !ok {
				continue
			}
			resp.Slots = append(resp.Slots, SlotResponse{
				Slot:     slot,
				RunID:    run.RunID,
				Ports:    *run.Ports,
				State:    string(run.State),
				Worktree: run.WorktreePath,
			})
		}
		sort.Slice(resp.Slots, func(i, j int) bool { return resp.Slots[i].Slot < resp.Slots[j].Slot })
		resp.InUse = len(resp.Slots)
		writeJSON(w, resp)
	}
}
