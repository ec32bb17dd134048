package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func newTestManager(t *testing.T, size int) (*Manager, string) {
	t.Helper()
	repoDir := setupGitRepo(t)
	treesDir := filepath.Join(t.TempDir(), "trees")
	pool := Pool{Size: size, BackendBase: 9100, FrontendBase: 9200}
	return NewManager(repoDir, treesDir, pool, nil), repoDir
}

func TestSlotIndexDeterministic(t *testing.T) {
	for _, id := range []string{"r1", "a1b2c3d4", "zzzzzzzz"} {
		first := SlotIndex(id, 15)
		assert.Equal(t, first, SlotIndex(id, 15))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 15)
	}
	assert.Equal(t, 0, SlotIndex("r1", 0))
}

func TestPoolPorts(t *testing.T) {
	p := DefaultPool()
	ports := p.PortsFor(3)
	assert.Equal(t, domain.Ports{Backend: 9103, Frontend: 9203}, ports)

	slot, ok := p.SlotOf(ports)
	assert.True(t, ok)
	assert.Equal(t, 3, slot)

	_, ok = p.SlotOf(domain.Ports{Backend: 9103, Frontend: 9204})
	assert.False(t, ok)
	_, ok = p.SlotOf(domain.Ports{Backend: 9115, Frontend: 9215})
	assert.False(t, ok)
}

func TestProvisionDeterministic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15)

	first, err := m.Provision(ctx, "a1b2c3d4", "feat-adw-a1b2c3d4")
	require.NoError(t, err)
	second, err := m.Provision(ctx, "a1b2c3d4", "feat-adw-a1b2c3d4")
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.Ports, second.Ports)
	assert.Equal(t, m.Pool().PortsFor(SlotIndex("a1b2c3d4", 15)), first.Ports)

	ports, err := ReadEnv(first.Path)
	require.NoError(t, err)
	assert.Equal(t, first.Ports, ports)
}

func TestProvisionAfterReclaimIsStable(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15)

	first, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	require.NoError(t, m.Reclaim(ctx, "r1"))

	again, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	assert.Equal(t, first.Ports, again.Ports)
	assert.Equal(t, first.Path, again.Path)
}

func TestProvisionDistinctPairs(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15)

	seen := make(map[domain.Ports]string)
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("run%02d", i)
		alloc, err := m.Provision(ctx, id, "feat-adw-"+id)
		require.NoError(t, err)
		if other, dup := seen[alloc.Ports]; dup {
			t.Fatalf("runs %s and %s share ports %+v", other, id, alloc.Ports)
		}
		seen[alloc.Ports] = id
	}
	assert.Len(t, m.Active(), 15)
}

func TestProvisionBlocksWhenPoolFull(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15)

	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("run%02d", i)
		_, err := m.Provision(ctx, id, "feat-adw-"+id)
		require.NoError(t, err)
	}

	done := make(chan *Allocation, 1)
	go func() {
		alloc, err := m.Provision(ctx, "run15", "feat-adw-run15")
		assert.NoError(t, err)
		done <- alloc
	}()

	select {
	case <-done:
		t.Fatal("16th provision should block while the pool is full")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, m.Reclaim(ctx, "run03"))

	select {
	case alloc := <-done:
		require.NotNil(t, alloc)
		assert.Equal(t, "run15", alloc.RunID)
	case <-time.After(10 * time.Second):
		t.Fatal("16th provision did not proceed after a reclaim")
	}
}

func TestProvisionHonoursCancellation(t *testing.T) {
	m, _ := newTestManager(t, 1)
	_, err := m.Provision(context.Background(), "r1", "feat-adw-r1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = m.Provision(ctx, "r2", "feat-adw-r2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvisionConcurrentUnique(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 6)

	var mu sync.Mutex
	seen := make(map[domain.Ports]string)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			alloc, err := m.Provision(ctx, id, "feat-adw-"+id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := seen[alloc.Ports]
			assert.False(t, dup, "duplicate ports for %s", id)
			seen[alloc.Ports] = id
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, 6)
}

func TestProvisionFailureIsFatal(t *testing.T) {
	treesDir := filepath.Join(t.TempDir(), "trees")
	m := NewManager(t.TempDir(), treesDir, Pool{Size: 2, BackendBase: 9100, FrontendBase: 9200}, nil)

	_, err := m.Provision(context.Background(), "r1", "feat-adw-r1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvision))
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "r1", pe.RunID)
	assert.Empty(t, m.Active(), "failed provisioning must release its slot")
}

func TestReclaimIdempotent(t *testing.T) {
	ctx := context.Background()
	m, repoDir := newTestManager(t, 3)

	alloc, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)

	require.NoError(t, m.Reclaim(ctx, "r1"))
	require.NoError(t, m.Reclaim(ctx, "r1"))
	require.NoError(t, m.Reclaim(ctx, "never-provisioned"))

	_, err = os.Stat(alloc.Path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, branchExists(t, repoDir, "feat-adw-r1"))
	assert.Empty(t, m.Active())
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	assert.NoError(t, m.Validate(ctx, domain.NewRun("plain")))

	alloc, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	run := domain.NewRun("r1")
	run.WorktreePath = alloc.Path
	run.Ports = &alloc.Ports
	assert.NoError(t, m.Validate(ctx, run))

	require.NoError(t, os.RemoveAll(alloc.Path))
	assert.ErrorIs(t, m.Validate(ctx, run), ErrWorkspaceMissing)

	run.WorktreePath = filepath.Join(t.TempDir(), "not-a-worktree")
	require.NoError(t, os.MkdirAll(run.WorktreePath, 0755))
	assert.ErrorIs(t, m.Validate(ctx, run), ErrWorkspaceMissing)
}

func TestMarkForReclaim(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	_, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	_, err = m.Provision(ctx, "r2", "feat-adw-r2")
	require.NoError(t, err)

	require.NoError(t, m.MarkForReclaim("r1"))
	require.NoError(t, m.MarkForReclaim("missing"))

	marked, err := m.Marked()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, marked)

	done, err := m.ReclaimMarked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, done)
	require.Len(t, m.Active(), 1)
	assert.Equal(t, "r2", m.Active()[0].RunID)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	repoDir := setupGitRepo(t)
	treesDir := filepath.Join(t.TempDir(), "trees")
	pool := Pool{Size: 3, BackendBase: 9100, FrontendBase: 9200}

	first := NewManager(repoDir, treesDir, pool, nil)
	alloc, err := first.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)

	// a new process picks the run up again
	second := NewManager(repoDir, treesDir, pool, nil)
	run := domain.NewRun("r1")
	run.WorktreePath = alloc.Path
	run.Ports = &alloc.Ports
	run.BranchName = alloc.Branch

	restored, err := second.Restore(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, alloc.Ports, restored.Ports)
	assert.Len(t, second.Active(), 1)

	again, err := second.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	assert.Equal(t, alloc.Ports, again.Ports)
}

func TestObserverSeesOccupancy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	var last int
	m.SetObserver(func(n int) { last = n })

	_, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	assert.Equal(t, 1, last)
	require.NoError(t, m.Reclaim(ctx, "r1"))
	assert.Equal(t, 0, last)
}

func TestConcurrentReclaimReleasesOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1)

	_, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Reclaim(ctx, "r1")
		}()
	}
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Empty(t, m.Active())

	_, err = m.Provision(ctx, "r2", "feat-adw-r2")
	require.NoError(t, err)

	// one slot only: a second holder must wait
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = m.Provision(short, "r3", "feat-adw-r3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDetachKeepsWorktreeAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	var last int
	m.SetObserver(func(n int) { last = n })

	alloc, err := m.Provision(ctx, "r1", "feat-adw-r1")
	require.NoError(t, err)
	assert.True(t, m.Detach("r1"))
	assert.False(t, m.Detach("r1"))
	assert.False(t, m.Detach("never-provisioned"))
	assert.Empty(t, m.Active())
	assert.Equal(t, 0, last)

	ports, err := ReadEnv(alloc.Path)
	require.NoError(t, err)
	assert.Equal(t, alloc.Ports, ports)

	// new runs steer clear of the detached ports
	other, err := m.Provision(ctx, "r2", "feat-adw-r2")
	require.NoError(t, err)
	assert.NotEqual(t, alloc.Ports, other.Ports)

	// and the detached run gets its own ports back
	run := domain.NewRun("r1")
	run.WorktreePath = alloc.Path
	run.Ports = &alloc.Ports
	run.BranchName = alloc.Branch
	require.NoError(t, m.MarkForReclaim("r1"))
	restored, err := m.Restore(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, alloc.Ports, restored.Ports)
	marked, err := m.Marked()
	require.NoError(t, err)
	assert.Empty(t, marked, "restoring clears the reclaim marker")
}
