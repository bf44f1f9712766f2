// Package router spreads frontier batches across fetcher nodes and makes them
// look like a single crawler.Downloader to the crawl loop.
package router

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the number of virtual points per node.
const DefaultReplicas = 64

// Ring is a consistent hash over node ids. It is not safe for concurrent use.
type Ring struct {
	replicas int
	points   []uint64
	owners   map[uint64]string
	nodes    map[string]struct{}
}

// NewRing returns an empty ring.
func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		owners:   make(map[uint64]string),
		nodes:    make(map[string]struct{}),
	}
}

// Add places id on the ring. Adding a present id is a no-op.
func (r *Ring) Add(id string) {
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = struct{}{}
	for i := range r.replicas {
		p := xxhash.Sum64String(id + "#" + strconv.Itoa(i))
		if _, taken := r.owners[p]; taken {
			continue
		}
		r.owners[p] = id
		r.points = append(r.points, p)
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// Remove takes id off the ring.
func (r *Ring) Remove(id string) {
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	kept := r.points[:0]
	for _, p := range r.points {
		if r.owners[p] == id {
			delete(r.owners, p)
			continue
		}
		kept = append(kept, p)
	}
	r.points = kept
}

// Has reports whether id is on the ring.
func (r *Ring) Has(id string) bool {
	_, ok := r.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (r *Ring) Len() int { return len(r.nodes) }

// Owner maps key to the node owning the first point clockwise of its hash.
func (r *Ring) Owner(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.owners[r.points[i]], true
}
