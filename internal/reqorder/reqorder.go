// Package reqorder adapts the teacher's ajwerner-btree request-ordering
// index (request-strategy/ajwerner-btree.go) from per-piece BitTorrent
// request ordering to per-chunk ordering within a single transfer: an
// ordered set of outstanding/pending chunk requests, walked in index order
// so resume and streaming verification can rely on ascending delivery.
package reqorder

import (
	"github.com/ajwerner/btree"
)

// Item is one entry in the ordered index: a chunk index plus the peer it
// was requested from, ordered by ChunkIndex and then by Peer.
type Item struct {
	ChunkIndex int
	Peer       string
}

func less(a, b Item) int {
	switch {
	case a.ChunkIndex < b.ChunkIndex:
		return -1
	case a.ChunkIndex > b.ChunkIndex:
		return 1
	case a.Peer < b.Peer:
		return -1
	case a.Peer > b.Peer:
		return 1
	default:
		return 0
	}
}

// Index is an ordered set of in-flight chunk requests, walked in ascending
// chunk-index order by Scan (spec.md §4.6 "delivered/verified in ascending
// chunk-index order").
type Index struct {
	tree btree.Set[Item]
}

func New() *Index {
	return &Index{tree: btree.MakeSet(less)}
}

func (idx *Index) Add(item Item) {
	idx.tree.Upsert(item)
}

func (idx *Index) Delete(item Item) {
	idx.tree.Delete(item)
}

func (idx *Index) Contains(item Item) bool {
	_, ok := idx.tree.Get(item)
	return ok
}

// Scan walks every item in ascending order, stopping early if f returns
// false.
func (idx *Index) Scan(f func(Item) bool) {
	it := idx.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur()) {
			break
		}
	}
}

// Len returns the number of outstanding requests tracked.
func (idx *Index) Len() int {
	n := 0
	idx.Scan(func(Item) bool { n++; return true })
	return n
}

// Min returns the lowest chunk index currently tracked.
func (idx *Index) Min() (Item, bool) {
	it := idx.tree.Iterator()
	it.First()
	if !it.Valid() {
		return Item{}, false
	}
	return it.Cur(), true
}
