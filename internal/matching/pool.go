package matching

// Pools holds the waiting participants, one ordered set per pool key, plus an
// index of which pool each participant is in. An id is never in two pools.
//
// Pools is not goroutine-safe; the Resolver owns it and serializes access.
type Pools struct {
	queues map[PoolKey][]string
	index  map[string]PoolKey
}

// NewPools creates empty pools.
func NewPools() *Pools {
	return &Pools{
		queues: make(map[PoolKey][]string),
		index:  make(map[string]PoolKey),
	}
}

// Add appends id to the pool for key, first removing it from whichever pool
// it was in. Adding an id to the pool it is already in keeps its position.
func (p *Pools) Add(key PoolKey, id string) {
	if cur, ok := p.index[id]; ok {
		if cur == key {
			return
		}
		p.Remove(id)
	}
	p.queues[key] = append(p.queues[key], id)
	p.index[id] = key
}

// Remove takes id out of its pool. It reports whether id was waiting.
func (p *Pools) Remove(id string) bool {
	key, ok := p.index[id]
	if !ok {
		return false
	}
	delete(p.index, id)

	q := p.queues[key]
	for i, member := range q {
		if member == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(p.queues, key)
	} else {
		p.queues[key] = q
	}
	return true
}

// Members returns a copy of the pool for key in arrival order.
func (p *Pools) Members(key PoolKey) []string {
	q := p.queues[key]
	out := make([]string, len(q))
	copy(out, q)
	return out
}

// KeyOf returns the pool id is waiting in.
func (p *Pools) KeyOf(id string) (PoolKey, bool) {
	key, ok := p.index[id]
	return key, ok
}

// Len returns the size of the pool for key.
func (p *Pools) Len(key PoolKey) int {
	return len(p.queues[key])
}

// Waiting returns the number of ids across all pools.
func (p *Pools) Waiting() int {
	return len(p.index)
}

// Sizes returns the size of every non-empty pool.
func (p *Pools) Sizes() map[PoolKey]int {
	out := make(map[PoolKey]int, len(p.queues))
	for k, q := range p.queues {
		out[k] = len(q)
	}
	return out
}
