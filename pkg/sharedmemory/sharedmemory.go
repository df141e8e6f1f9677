// Package sharedmemory holds the in-process state that the Filter Manager publishes and the Ingestor and Matcher read:
// one FilterSnapshot per chain, and one wholesale EndpointSnapshot. Both are
// swapped atomically by a single writer (the Filter Manager's refresh loop)
// and read by many goroutines (one Ingestor task per chain, the Matcher),
// the same single-writer/many-reader shape the teacher used for
// lastSeenBlockNumber, generalized to swap whole immutable snapshots instead
// of mutating them in place. The EndpointSnapshot is read with a plain
// atomic load; a FilterSnapshot read first looks up the chain's slot in a
// map guarded by a sync.RWMutex read lock, so filter reads are not
// lock-free. The atomic slots use go.uber.org/atomic like every other
// atomic in this tree.
package sharedmemory

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ethhook/ethhook/internal/ethhook"
)

// EndpointSnapshot is the wholesale, versioned view of all active endpoints
// the Matcher indexes against. The Filter Manager rebuilds and republishes it
// on the same cadence as per-chain FilterSnapshots.
type EndpointSnapshot struct {
	Generation uint64
	Endpoints  []ethhook.Endpoint
	BuiltAt    time.Time
}

// SharedMemory exchanges the Filter Manager's published state with the
// Ingestor and Matcher. Endpoint reads take no lock; filter reads take a
// short read lock on the per-chain slot map.
type SharedMemory struct {
	mu      sync.RWMutex
	filters map[ethhook.ChainID]*atomic.Pointer[ethhook.FilterSnapshot]

	endpoints atomic.Pointer[EndpointSnapshot]
}

// NewSharedMemory creates an empty SharedMemory. Chains register their slot
// lazily on first SetFilterSnapshot.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{
		filters: make(map[ethhook.ChainID]*atomic.Pointer[ethhook.FilterSnapshot]),
	}
}

// SetFilterSnapshot publishes a new FilterSnapshot for chainID, replacing
// whatever was previously published. Safe for a single writer; readers block
// on it only while a chain's slot is first registered.
func (sm *SharedMemory) SetFilterSnapshot(chainID ethhook.ChainID, snap *ethhook.FilterSnapshot) {
	slot := sm.slotFor(chainID)
	slot.Store(snap)
}

// GetFilterSnapshot returns the most recently published FilterSnapshot for
// chainID, or (nil, false) if the Filter Manager has not published one yet.
func (sm *SharedMemory) GetFilterSnapshot(chainID ethhook.ChainID) (*ethhook.FilterSnapshot, bool) {
	sm.mu.RLock()
	slot, ok := sm.filters[chainID]
	sm.mu.RUnlock()
	if !ok {
		return nil, false
	}
	snap := slot.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

func (sm *SharedMemory) slotFor(chainID ethhook.ChainID) *atomic.Pointer[ethhook.FilterSnapshot] {
	sm.mu.RLock()
	slot, ok := sm.filters[chainID]
	sm.mu.RUnlock()
	if ok {
		return slot
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if slot, ok := sm.filters[chainID]; ok {
		return slot
	}
	slot = atomic.NewPointer[ethhook.FilterSnapshot](nil)
	sm.filters[chainID] = slot
	return slot
}

// SetEndpoints publishes a new wholesale EndpointSnapshot.
func (sm *SharedMemory) SetEndpoints(snap *EndpointSnapshot) {
	sm.endpoints.Store(snap)
}

// GetEndpoints returns the most recently published EndpointSnapshot, or nil
// if none has been published yet.
func (sm *SharedMemory) GetEndpoints() *EndpointSnapshot {
	return sm.endpoints.Load()
}
