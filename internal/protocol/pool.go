package protocol

import (
	"sync"

	"github.com/archonctl/goarchon/internal/archonerr"
)

// IDPool allocates and recycles 8-bit command identifiers. At any instant,
// the complement of the pool is exactly the set of ids currently in
// flight; together they cover 0x00-0xFF.
type IDPool struct {
	mu   sync.Mutex
	free map[uint8]struct{}
}

// NewIDPool returns a pool initialized with every id in 0x00-0xFF free.
func NewIDPool() *IDPool {
	free := make(map[uint8]struct{}, MaxCommandID+1)
	for id := 0; id <= MaxCommandID; id++ {
		free[uint8(id)] = struct{}{}
	}
	return &IDPool{free: free}
}

// Take removes and returns any free id, with no ordering guarantee. It
// fails with POOL_EXHAUSTED when the pool is empty.
func (p *IDPool) Take() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.free {
		delete(p.free, id)
		return id, nil
	}
	return 0, archonerr.New(archonerr.PoolExhausted, "no free command ids")
}

// Release returns id to the pool. It is idempotent.
func (p *IDPool) Release(id uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[id] = struct{}{}
}

// Len reports the number of currently free ids (diagnostic use only).
func (p *IDPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
