package reqorder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanVisitsInAscendingChunkOrder(t *testing.T) {
	idx := New()
	idx.Add(Item{ChunkIndex: 5, Peer: "b"})
	idx.Add(Item{ChunkIndex: 1, Peer: "a"})
	idx.Add(Item{ChunkIndex: 3, Peer: "c"})

	var order []int
	idx.Scan(func(it Item) bool {
		order = append(order, it.ChunkIndex)
		return true
	})
	require.Equal(t, []int{1, 3, 5}, order)
}

func TestDeleteRemovesItem(t *testing.T) {
	idx := New()
	item := Item{ChunkIndex: 2, Peer: "a"}
	idx.Add(item)
	require.True(t, idx.Contains(item))
	idx.Delete(item)
	require.False(t, idx.Contains(item))
}

func TestMinReturnsLowestChunkIndex(t *testing.T) {
	idx := New()
	_, ok := idx.Min()
	require.False(t, ok)

	idx.Add(Item{ChunkIndex: 9, Peer: "a"})
	idx.Add(Item{ChunkIndex: 4, Peer: "b"})
	min, ok := idx.Min()
	require.True(t, ok)
	require.Equal(t, 4, min.ChunkIndex)
}

func TestLenCountsItems(t *testing.T) {
	idx := New()
	require.Equal(t, 0, idx.Len())
	idx.Add(Item{ChunkIndex: 1, Peer: "a"})
	idx.Add(Item{ChunkIndex: 2, Peer: "a"})
	require.Equal(t, 2, idx.Len())
}
