package hash

import (
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points per member when none is
// given.
const DefaultVirtualNodes = 150

// Ring places keys on members with consistent hashing, so adding a member
// moves only the keys adjacent to its points.
type Ring struct {
	mu       sync.RWMutex
	points   []uint64
	owners   map[uint64]string
	virtual  int
	replicas int
}

// NewRing returns an empty ring. replicas bounds how many distinct members
// Locate returns.
func NewRing(virtualNodes, replicas int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	if replicas <= 0 {
		replicas = 1
	}
	return &Ring{
		owners:   make(map[uint64]string),
		virtual:  virtualNodes,
		replicas: replicas,
	}
}

func point(member string, i int) uint64 {
	return xxhash.Sum64String(member + "#" + strconv.Itoa(i))
}

// Add inserts member into the ring. Adding a member twice is a no-op.
func (r *Ring) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtual; i++ {
		p := point(member, i)
		if _, ok := r.owners[p]; ok {
			continue
		}
		r.owners[p] = member
		r.points = append(r.points, p)
	}
	slices.Sort(r.points)
}

// Locate returns up to the configured number of distinct members for key,
// primary first.
func (r *Ring) Locate(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return nil
	}

	h := xxhash.Sum64String(key)
	start, _ := slices.BinarySearch(r.points, h)

	var members []string
	for i := 0; len(members) < r.replicas && i < len(r.points); i++ {
		owner := r.owners[r.points[(start+i)%len(r.points)]]
		if !slices.Contains(members, owner) {
			members = append(members, owner)
		}
	}
	return members
}

// Members returns the distinct members in sorted order.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var members []string
	for _, m := range r.owners {
		if !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	slices.Sort(members)
	return members
}
