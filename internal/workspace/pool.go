package workspace

import (
	"github.com/cespare/xxhash/v2"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Pool describes the fixed set of disjoint port pairs
type Pool struct {
	Size         int
	BackendBase  int
	FrontendBase int
}

// DefaultPool returns 15 slots starting at 9100/9200
func DefaultPool() Pool {
	return Pool{Size: 15, BackendBase: 9100, FrontendBase: 9200}
}

// SlotIndex maps a run ID onto a pool slot. It is a pure function of its inputs.
func SlotIndex(runID string, size int) int {
	if size <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(runID) % uint64(size))
}

// PortsFor returns the pair belonging to slot
func (p Pool) PortsFor(slot int) domain.Ports {
	return domain.Ports{
		Backend:  p.BackendBase + slot,
		Frontend: p.FrontendBase + slot,
	}
}

// SlotOf returns the slot a pair belongs to
func (p Pool) SlotOf(ports domain.Ports) (int, bool) {
	slot := ports.Backend - p.BackendBase
	if slot < 0 || slot >= p.Size || ports.Frontend-p.FrontendBase != slot {
		return 0, false
	}
	return slot, true
}
