package microvm

import (
	"fmt"
	"sync"
)

// cidAllocator hands out vsock context IDs, scanning forward from the
// last allocation and reusing released IDs.
type cidAllocator struct {
	mu    sync.Mutex
	next  uint32
	inUse map[uint32]bool
	slots uint32
}

func newCIDAllocator(base uint32, maxVMs int) *cidAllocator {
	if base < MinCID {
		base = MinCID
	}
	return &cidAllocator{
		next:  base,
		inUse: make(map[uint32]bool),
		slots: uint32(maxVMs + 10),
	}
}

// Allocate returns the next available CID.
func (a *cidAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < a.slots; i++ {
		candidate := a.next + i
		if candidate < MinCID {
			candidate = MinCID
		}
		if !a.inUse[candidate] {
			a.inUse[candidate] = true
			a.next = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(a.inUse))
}

// Release returns a CID to the pool. Releasing an unallocated CID is a
// no-op.
func (a *cidAllocator) Release(cid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, cid)
}
