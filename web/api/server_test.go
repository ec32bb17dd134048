package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/metrics"
	"github.com/hochfrequenz/adw-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
	"github.com/hochfrequenz/adw-orchestrator/internal/workspace"
)

type fixture struct {
	server   *Server
	store    *state.Store
	patterns *knowledge.Store
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.New(t.TempDir())
	kb, err := knowledge.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kb.Close() })
	m := metrics.New()

	pool := workspace.Pool{Size: 3, BackendBase: 9100, FrontendBase: 9200}
	return &fixture{
		server:   NewServer(store, kb, pool, m, "127.0.0.1:0", logging.Discard()),
		store:    store,
		patterns: kb,
		metrics:  m,
	}
}

func (f *fixture) seed(t *testing.T, id string, patch map[string]any) {
	t.Helper()
	_, err := f.store.Create(id)
	require.NoError(t, err)
	if len(patch) > 0 {
		_, err = f.store.Update(id, patch)
		require.NoError(t, err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "run00001", map[string]any{"state": "planned", "work_item": "12"})
	f.seed(t, "run00002", map[string]any{"state": "failed", "failed_phase": "verify"})

	w := get(t, f.server.Handler(), "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []RunResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	assert.Len(t, runs, 2)

	w = get(t, f.server.Handler(), "/api/runs?state=failed")
	runs = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run00002", runs[0].RunID)
	assert.Equal(t, "verify", runs[0].FailedPhase)
	assert.Equal(t, "standard", runs[0].Tier)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "run00001", map[string]any{"plan_file": "specs/plan.md", "coverage": 0.9})

	w := get(t, f.server.Handler(), "/api/runs/run00001")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "run00001", body["run_id"])
	assert.Equal(t, "specs/plan.md", body["plan_file"])
	assert.Equal(t, 0.9, body["coverage"])

	assert.Equal(t, http.StatusNotFound, get(t, f.server.Handler(), "/api/runs/missing1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, f.server.Handler(), "/api/runs/..bad").Code)
}

func TestPatterns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _, err := f.patterns.Document(ctx, &domain.FailurePattern{
		Name:       "Missing module",
		Category:   "import",
		Signature:  "ModuleNotFoundError: No module named 'x'",
		Normalized: "modulenotfounderror no module named <str>",
		RootCause:  knowledge.PlaceholderRootCause,
	}, knowledge.Occurrence{RunID: "r1"})
	require.NoError(t, err)

	w := get(t, f.server.Handler(), "/api/patterns?category=import")
	require.Equal(t, http.StatusOK, w.Code)
	var patterns []domain.FailurePattern
	require.NoError(t, json.NewDecoder(w.Body).Decode(&patterns))
	require.Len(t, patterns, 1)
	assert.Equal(t, p.ID, patterns[0].ID)

	w = get(t, f.server.Handler(), "/api/patterns?category=timeout")
	assert.JSONEq(t, "[]", w.Body.String())

	w = get(t, f.server.Handler(), "/api/patterns/"+p.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Missing module")
	assert.Equal(t, http.StatusNotFound, get(t, f.server.Handler(), "/api/patterns/fp-nope").Code)
}

func TestPoolAndStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "run00001", map[string]any{"state": "built", "worktree_path": "/trees/run00001", "ports": map[string]any{"backend": 9102, "frontend": 9202}})
	f.seed(t, "run00002", map[string]any{"state": "planned", "worktree_path": "/trees/run00002", "ports": map[string]any{"backend": 9100, "frontend": 9200}})
	f.seed(t, "run00003", map[string]any{"state": "shipped"})

	w := get(t, f.server.Handler(), "/api/pool")
	require.Equal(t, http.StatusOK, w.Code)
	var pool PoolResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pool))
	assert.Equal(t, 3, pool.Size)
	assert.Equal(t, 2, pool.InUse)
	require.Len(t, pool.Slots, 2)
	assert.Equal(t, 0, pool.Slots[0].Slot)
	assert.Equal(t, "run00002", pool.Slots[0].RunID)
	assert.Equal(t, 2, pool.Slots[1].Slot)

	w = get(t, f.server.Handler(), "/api/status")
	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 2, status.Isolated)
	assert.Equal(t, 1, status.ByState["shipped"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.metrics.RecordRun("shipped")

	w := get(t, f.server.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `outcome="shipped"`)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.sseHub.Run(ctx)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	sink := f.server.EventSink()
	sink(pipeline.Event{Type: pipeline.EventFixApplied, RunID: "run00001", Phase: domain.PhaseVerify, PatternID: "fp-1"})

	lines := make(chan string, 8)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- l
		}
	}()

	var got []string
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if strings.TrimSpace(l) != "" {
				got = append(got, l)
			}
		case <-deadline:
			t.Fatalf("no event received, got %q", got)
		}
	}
	assert.Equal(t, "event: fix_applied\n", got[0])
	assert.Contains(t, got[1], `"pattern_id":"fp-1"`)
	assert.Contains(t, got[1], `"run_id":"run00001"`)
}
