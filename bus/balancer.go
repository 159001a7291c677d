package bus

import (
	"sort"
	"sync"
)

// gauge reports current load. Mailboxes implement it with their queue
// length, so load rises on enqueue, falls on consume or purge and never
// leaves [0, capacity].
type gauge interface {
	len() int
}

// balancer tracks pool membership by logical type and picks the
// least-loaded member.
type balancer struct {
	mu     sync.RWMutex
	pools  map[string][]string // logical type -> ids sorted ascending
	gauges map[string]gauge
}

func newBalancer() *balancer {
	return &balancer{
		pools:  make(map[string][]string),
		gauges: make(map[string]gauge),
	}
}

func (lb *balancer) add(id, logicalType string, g gauge) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.gauges[id] = g
	if logicalType == "" {
		return
	}
	members := append(lb.pools[logicalType], id)
	sort.Strings(members)
	lb.pools[logicalType] = members
}

func (lb *balancer) remove(id, logicalType string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	delete(lb.gauges, id)
	if logicalType == "" {
		return
	}
	members := lb.pools[logicalType]
	for i, m := range members {
		if m == id {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(lb.pools, logicalType)
		return
	}
	lb.pools[logicalType] = members
}

// pick returns the least-loaded member of the pool. Ties go to the
// lowest id because members are kept sorted.
func (lb *balancer) pick(logicalType string) (string, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	members := lb.pools[logicalType]
	if len(members) == 0 {
		return "", false
	}
	best, bestLoad := members[0], lb.gauges[members[0]].len()
	for _, id := range members[1:] {
		if l := lb.gauges[id].len(); l < bestLoad {
			best, bestLoad = id, l
		}
	}
	return best, true
}

func (lb *balancer) load(id string) int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	g, ok := lb.gauges[id]
	if !ok {
		return 0
	}
	return g.len()
}

func (lb *balancer) members(logicalType string) []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return append([]string(nil), lb.pools[logicalType]...)
}
