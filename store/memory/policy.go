package memory

import "container/list"

// Policy orders eviction candidates. Implementations are not safe for
// concurrent use; the store serializes calls under its own lock.
type Policy interface {
	// Added records a newly stored key.
	Added(key string)
	// Touched records a read of key.
	Touched(key string)
	// Removed records that key left the store.
	Removed(key string)
	// Evict returns up to n keys in eviction order, best candidates
	// first, without removing them. The store reports actual removals
	// back through Removed.
	Evict(n int) []string
}

// lru keeps keys ordered by recency; front is most recent.
type lru struct {
	ll    *list.List
	items map[string]*list.Element
}

// NewLRU evicts the least recently accessed keys first.
func NewLRU() Policy {
	return &lru{ll: list.New(), items: make(map[string]*list.Element)}
}

func (p *lru) Added(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.MoveToFront(e)
		return
	}
	p.items[key] = p.ll.PushFront(key)
}

func (p *lru) Touched(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.MoveToFront(e)
	}
}

func (p *lru) Removed(key string) {
	if e, ok := p.items[key]; ok {
		p.ll.Remove(e)
		delete(p.items, key)
	}
}

func (p *lru) Evict(n int) []string {
	keys := make([]string, 0, n)
	for e := p.ll.Back(); e != nil && len(keys) < n; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// fifo is an lru that ignores reads, so eviction follows insertion order.
type fifo struct {
	lru
}

// NewFIFO evicts the oldest-created keys first, regardless of access.
func NewFIFO() Policy {
	return &fifo{lru{ll: list.New(), items: make(map[string]*list.Element)}}
}

func (p *fifo) Touched(string) {}
