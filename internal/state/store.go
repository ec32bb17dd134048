// Package state persists one JSON record per workflow run.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/filelock"
	"github.com/hochfrequenz/adw-orchestrator/internal/fsutil"
)

// StateFile is the file name of a run record inside its run directory
const StateFile = "adw_state.json"

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunExists     = errors.New("run already exists")
	ErrInvalidRunID  = errors.New("invalid run id")
	ErrCorruptRecord = errors.New("corrupt run record")
)

// Store keeps run records under <dir>/<runID>/adw_state.json
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir
func New(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the root directory of the store
func (s *Store) Dir() string {
	return s.dir
}

// RunDir returns the directory holding a run's record and agent transcripts
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID, StateFile)
}

// Create persists the default record for runID
func (s *Store) Create(runID string) (*domain.Run, error) {
	if !domain.ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	var run *domain.Run
	err := s.withLock(runID, func() error {
		if _, err := os.Stat(s.path(runID)); err == nil {
			return fmt.Errorf("%w: %s", ErrRunExists, runID)
		} else if !os.IsNotExist(err) {
			return err
		}
		run = domain.NewRun(runID)
		return s.write(run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Load reads the record for runID
func (s *Store) Load(runID string) (*domain.Run, error) {
	if !domain.ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return s.read(runID)
}

// Update merges patch into the record and persists it before returning.
// Applying a patch that changes nothing leaves the record untouched.
func (s *Store) Update(runID string, patch map[string]any) (*domain.Run, error) {
	return s.mutate(runID, func(run *domain.Run) (*domain.Run, bool, error) {
		return run.Merge(patch)
	})
}

// AppendChainMember adds otherID to the run's chain unless already present
func (s *Store) AppendChainMember(runID, otherID string) (*domain.Run, error) {
	if !domain.ValidRunID(otherID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, otherID)
	}
	return s.mutate(runID, func(run *domain.Run) (*domain.Run, bool, error) {
		if run.HasChainMember(otherID) {
			return run, false, nil
		}
		next := run.Clone()
		next.Chain = append(next.Chain, otherID)
		return next, true, nil
	})
}

// Import writes a snapshot received from another process. An existing record
// is merged with the snapshot's fields; a missing one is created from it.
func (s *Store) Import(snapshot *domain.Run) (*domain.Run, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	var run *domain.Run
	err := s.withLock(snapshot.RunID, func() error {
		current, err := s.read(snapshot.RunID)
		if errors.Is(err, ErrRunNotFound) {
			run = snapshot.Clone()
			if len(run.Chain) == 0 {
				run.Chain = []string{run.RunID}
			}
			return s.write(run)
		}
		if err != nil {
			return err
		}
		patch, err := toPatch(snapshot)
		if err != nil {
			return err
		}
		merged, changed, err := current.Merge(patch)
		if err != nil {
			return err
		}
		if !changed {
			run = current
			return nil
		}
		merged.UpdatedAt = domain.Now()
		run = merged
		return s.write(run)
	})
	return run, err
}

// List returns all records ordered by creation time
func (s *Store) List() ([]*domain.Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []*domain.Run
	for _, e := range entries {
		if !e.IsDir() || !domain.ValidRunID(e.Name()) {
			continue
		}
		run, err := s.read(e.Name())
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// WorkingDirectory returns the run's worktree, or primary for non-isolated runs
func WorkingDirectory(run *domain.Run, primary string) string {
	if run != nil && run.WorktreePath != "" {
		return run.WorktreePath
	}
	return primary
}

func (s *Store) mutate(runID string, fn func(*domain.Run) (*domain.Run, bool, error)) (*domain.Run, error) {
	if !domain.ValidRunID(runID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	var run *domain.Run
	err := s.withLock(runID, func() error {
		current, err := s.read(runID)
		if err != nil {
			return err
		}
		next, changed, err := fn(current)
		if err != nil {
			return err
		}
		if !changed {
			run = current
			return nil
		}
		next.UpdatedAt = domain.Now()
		run = next
		return s.write(next)
	})
	return run, err
}

func (s *Store) read(runID string) (*domain.Run, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptRecord, runID, err)
	}
	return &run, nil
}

func (s *Store) write(run *domain.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.RunID, err)
	}
	return fsutil.AtomicWrite(s.path(run.RunID), append(data, '\n'))
}

// withLock serializes access to one run record across goroutines and processes
func (s *Store) withLock(runID string, fn func() error) error {
	s.mu.Lock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	fl, err := filelock.Acquire(filepath.Join(s.dir, runID, ".lock"))
	if err != nil {
		return err
	}
	defer fl.Release()
	return fn()
}

func toPatch(run *domain.Run) (map[string]any, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, err
	}
	// the snapshot never rewinds the record's own bookkeeping
	delete(patch, "created_at")
	delete(patch, "updated_at")
	return patch, nil
}
