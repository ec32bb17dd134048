// Package workspace provisions isolated git worktrees and their port pairs.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/filelock"
)

// ReclaimMarker flags a worktree whose run was interrupted
const ReclaimMarker = ".adw-reclaim"

var (
	// ErrWorkspaceMissing means a run points at a worktree that no longer exists
	ErrWorkspaceMissing = errors.New("isolated workspace missing")
	// ErrProvision matches every *ProvisionError
	ErrProvision = errors.New("provisioning failed")
	// ErrNotActive is returned by operations that need a live allocation
	ErrNotActive = errors.New("run has no active allocation")
)

// ProvisionError is a fatal failure to create a run's workspace
type ProvisionError struct {
	RunID string
	Op    string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProvision) match
func (e *ProvisionError) Is(target error) bool { return target == ErrProvision }

// Allocation is a provisioned workspace
type Allocation struct {
	RunID  string       `json:"run_id"`
	Path   string       `json:"path"`
	Branch string       `json:"branch"`
	Slot   int          `json:"slot"`
	Ports  domain.Ports `json:"ports"`
}

type entry struct {
	alloc *Allocation
	ready chan struct{}
	err   error
}

// SlotObserver is told how many slots are in use after every change
type SlotObserver func(inUse int)

// Manager owns the worktrees and the port pool of one orchestrator process
type Manager struct {
	trees  *Worktrees
	pool   Pool
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	active   map[string]*entry
	slots    []string
	observer SlotObserver
}

// NewManager creates a Manager for repoDir with worktrees under treesDir
func NewManager(repoDir, treesDir string, pool Pool, logger *slog.Logger) *Manager {
	if pool.Size <= 0 {
		pool = DefaultPool()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		trees:  NewWorktrees(repoDir, treesDir),
		pool:   pool,
		sem:    semaphore.NewWeighted(int64(pool.Size)),
		logger: logger,
		active: make(map[string]*entry),
		slots:  make([]string, pool.Size),
	}
}

// SetObserver registers a callback for pool occupancy changes
func (m *Manager) SetObserver(fn SlotObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Pool returns the pool configuration
func (m *Manager) Pool() Pool {
	return m.pool
}

// Path returns the worktree location of a run
func (m *Manager) Path(runID string) string {
	return m.trees.Path(runID)
}

// Provision creates (or returns the existing) isolated workspace for runID.
// It blocks while every pool slot is held by another active run.
func (m *Manager) Provision(ctx context.Context, runID, branch string) (*Allocation, error) {
	if !domain.ValidRunID(runID) {
		return nil, &ProvisionError{RunID: runID, Op: "validate", Err: fmt.Errorf("invalid run id")}
	}

	m.mu.Lock()
	if e, ok := m.active[runID]; ok {
		m.mu.Unlock()
		return waitEntry(ctx, e)
	}
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if e, ok := m.active[runID]; ok {
		m.mu.Unlock()
		m.sem.Release(1)
		return waitEntry(ctx, e)
	}
	e := &entry{ready: make(chan struct{})}
	m.active[runID] = e
	m.mu.Unlock()

	alloc, err := m.provision(ctx, runID, branch)

	m.mu.Lock()
	if err != nil {
		e.err = err
		delete(m.active, runID)
		m.mu.Unlock()
		m.sem.Release(1)
		close(e.ready)
		return nil, err
	}
	e.alloc = alloc
	m.notifyLocked()
	m.mu.Unlock()
	close(e.ready)

	m.logger.Info("workspace provisioned",
		"run_id", runID, "path", alloc.Path, "branch", alloc.Branch,
		"backend_port", alloc.Ports.Backend, "frontend_port", alloc.Ports.Frontend)
	return alloc, nil
}

func waitEntry(ctx context.Context, e *entry) (*Allocation, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.alloc, nil
}

func (m *Manager) provision(ctx context.Context, runID, branch string) (*Allocation, error) {
	path := m.trees.Path(runID)

	// Worktree creation and slot choice are serialized across processes
	// sharing the trees directory.
	lock, err := filelock.Acquire(filepath.Join(m.trees.treesDir, ".pool.lock"))
	if err != nil {
		return nil, &ProvisionError{RunID: runID, Op: "lock", Err: err}
	}
	defer lock.Release()

	preferred := SlotIndex(runID, m.pool.Size)
	if ports, err := ReadEnv(path); err == nil {
		if slot, ok := m.pool.SlotOf(ports); ok {
			preferred = slot
		}
	}

	m.mu.Lock()
	slot, err := m.pickSlotLocked(runID, preferred)
	if err == nil {
		m.slots[slot] = runID
	}
	m.mu.Unlock()
	if err != nil {
		return nil, &ProvisionError{RunID: runID, Op: "allocate", Err: err}
	}

	release := func() {
		m.mu.Lock()
		if m.slots[slot] == runID {
			m.slots[slot] = ""
		}
		m.mu.Unlock()
	}

	registered, err := m.trees.Registered(ctx, path)
	if err != nil {
		release()
		return nil, &ProvisionError{RunID: runID, Op: "inspect worktrees", Err: err}
	}
	if !registered {
		if err := m.trees.Add(ctx, path, branch); err != nil {
			release()
			os.RemoveAll(path)
			return nil, &ProvisionError{RunID: runID, Op: "create worktree", Err: err}
		}
	}

	ports := m.pool.PortsFor(slot)
	if err := WriteEnv(path, runID, ports); err != nil {
		release()
		return nil, &ProvisionError{RunID: runID, Op: "write env", Err: err}
	}
	os.Remove(filepath.Join(path, ReclaimMarker))

	return &Allocation{
		RunID:  runID,
		Path:   path,
		Branch: branch,
		Slot:   slot,
		Ports:  ports,
	}, nil
}

// pickSlotLocked probes linearly from preferred. Slots recorded by worktrees
// of other processes are avoided while any other slot is free.
func (m *Manager) pickSlotLocked(runID string, preferred int) (int, error) {
	onDisk := m.slotsOnDisk(runID)
	fallback := -1
	for i := 0; i < m.pool.Size; i++ {
		slot := (preferred + i) % m.pool.Size
		if m.slots[slot] != "" {
			continue
		}
		if onDisk[slot] {
			if fallback < 0 {
				fallback = slot
			}
			continue
		}
		return slot, nil
	}
	if fallback >= 0 {
		m.logger.Warn("port slot shared with a stale worktree", "run_id", runID, "slot", fallback)
		return fallback, nil
	}
	return 0, fmt.Errorf("no free slot in pool of %d", m.pool.Size)
}

func (m *Manager) slotsOnDisk(runID string) map[int]bool {
	used := make(map[int]bool)
	entries, err := os.ReadDir(m.trees.treesDir)
	if err != nil {
		return used
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == runID {
			continue
		}
		if _, tracked := m.active[e.Name()]; tracked {
			continue
		}
		ports, err := ReadEnv(filepath.Join(m.trees.treesDir, e.Name()))
		if err != nil {
			continue
		}
		if slot, ok := m.pool.SlotOf(ports); ok {
			used[slot] = true
		}
	}
	return used
}

// Reclaim removes the run's worktree and branch and frees its slot.
// Calling it for a run without a workspace is a no-op.
func (m *Manager) Reclaim(ctx context.Context, runID string) error {
	return m.remove(ctx, runID, true)
}

// Release removes the worktree but keeps the branch for a later run
func (m *Manager) Release(ctx context.Context, runID string) error {
	return m.remove(ctx, runID, false)
}

func (m *Manager) remove(ctx context.Context, runID string, deleteBranch bool) error {
	if !domain.ValidRunID(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}

	m.mu.Lock()
	e, tracked := m.active[runID]
	m.mu.Unlock()
	if tracked {
		if _, err := waitEntry(ctx, e); err != nil {
			return err
		}
	}

	// Concurrent removals of one worktree take turns; the later one finds
	// nothing left to remove.
	lock, err := filelock.Acquire(filepath.Join(m.trees.treesDir, ".pool.lock"))
	if err != nil {
		return err
	}
	err = m.trees.Remove(ctx, m.trees.Path(runID), deleteBranch)
	lock.Release()
	if err != nil {
		return err
	}
	if deleteBranch && e != nil && e.alloc != nil {
		m.trees.DeleteBranch(ctx, e.alloc.Branch)
	}

	if tracked {
		m.drop(runID, e)
	}
	m.logger.Info("workspace reclaimed", "run_id", runID, "delete_branch", deleteBranch)
	return nil
}

// drop frees the slot held by e. Only the caller that removes e from the
// active set releases the semaphore.
func (m *Manager) drop(runID string, e *entry) bool {
	m.mu.Lock()
	if m.active[runID] != e {
		m.mu.Unlock()
		return false
	}
	delete(m.active, runID)
	if e.alloc != nil && m.slots[e.alloc.Slot] == runID {
		m.slots[e.alloc.Slot] = ""
	}
	m.notifyLocked()
	m.mu.Unlock()
	m.sem.Release(1)
	return true
}

// Detach frees the run's slot for other runs but leaves its worktree and
// .ports.env on disk. New runs avoid the detached ports while other slots
// are free; a later Provision or Restore of the run picks them up again.
func (m *Manager) Detach(runID string) bool {
	m.mu.Lock()
	e, ok := m.active[runID]
	var alloc *Allocation
	if ok {
		alloc = e.alloc
	}
	m.mu.Unlock()
	if alloc == nil || !m.drop(runID, e) {
		return false
	}
	m.logger.Info("workspace detached", "run_id", runID, "path", alloc.Path)
	return true
}

// Validate fails with ErrWorkspaceMissing when an isolated run's worktree is gone
func (m *Manager) Validate(ctx context.Context, run *domain.Run) error {
	if !run.Isolated() {
		return nil
	}
	if _, err := os.Stat(run.WorktreePath); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkspaceMissing, run.WorktreePath, err)
	}
	ok, err := m.trees.Registered(ctx, run.WorktreePath)
	if err != nil {
		return fmt.Errorf("checking worktree %s: %w", run.WorktreePath, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a registered worktree", ErrWorkspaceMissing, run.WorktreePath)
	}
	return nil
}

// MarkForReclaim flags the run's worktree for a later sweep instead of
// deleting it while something may still be writing into it.
func (m *Manager) MarkForReclaim(runID string) error {
	path := m.trees.Path(runID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(filepath.Join(path, ReclaimMarker), stamp, 0644); err != nil {
		return fmt.Errorf("marking %s for reclaim: %w", runID, err)
	}
	m.logger.Info("workspace marked for reclaim", "run_id", runID)
	return nil
}

// Marked lists run IDs whose worktrees carry the reclaim marker
func (m *Manager) Marked() ([]string, error) {
	entries, err := os.ReadDir(m.trees.treesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.trees.treesDir, e.Name(), ReclaimMarker)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReclaimMarked reclaims every marked worktree and returns the run IDs handled
func (m *Manager) ReclaimMarked(ctx context.Context) ([]string, error) {
	ids, err := m.Marked()
	if err != nil {
		return nil, err
	}
	var done []string
	var errs []error
	for _, id := range ids {
		if err := m.Reclaim(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		done = append(done, id)
	}
	return done, errors.Join(errs...)
}

// Restore registers an existing worktree again, after a restart or a
// Detach, so its recorded ports are held for the run
func (m *Manager) Restore(ctx context.Context, run *domain.Run) (*Allocation, error) {
	if !run.Isolated() || run.Ports == nil {
		return nil, ErrNotActive
	}
	if err := m.Validate(ctx, run); err != nil {
		return nil, err
	}
	slot, ok := m.pool.SlotOf(*run.Ports)
	if !ok {
		return nil, fmt.Errorf("ports %d/%d are outside the pool", run.Ports.Backend, run.Ports.Frontend)
	}

	m.mu.Lock()
	if e, ok := m.active[run.RunID]; ok {
		m.mu.Unlock()
		return waitEntry(ctx, e)
	}
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.active[run.RunID]; ok {
		m.sem.Release(1)
		return e.alloc, nil
	}
	if owner := m.slots[slot]; owner != "" {
		m.sem.Release(1)
		return nil, fmt.Errorf("slot %d already held by run %s", slot, owner)
	}
	alloc := &Allocation{
		RunID:  run.RunID,
		Path:   run.WorktreePath,
		Branch: run.BranchName,
		Slot:   slot,
		Ports:  *run.Ports,
	}
	ready := make(chan struct{})
	close(ready)
	m.active[run.RunID] = &entry{alloc: alloc, ready: ready}
	m.slots[slot] = run.RunID
	m.notifyLocked()
	os.Remove(filepath.Join(run.WorktreePath, ReclaimMarker))
	return alloc, nil
}

// Active returns the live allocations ordered by slot
func (m *Manager) Active() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Allocation
	for _, e := range m.active {
		if e.alloc != nil {
			out = append(out, *e.alloc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (m *Manager) notifyLocked() {
	if m.observer == nil {
		return
	}
	n := 0
	for _, id := range m.slots {
		if id != "" {
			n++
		}
	}
	m.observer(n)
}
