package dignode

import (
	"path/filepath"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/store"
	"github.com/dignet/dignode/transfer"
)

// storeChunkSource adapts store.Store to transfer.ChunkSource, resolving a
// digest to both its on-disk path and the chunk-boundary metadata a
// metadata-request expects (spec.md §4.6).
type storeChunkSource struct {
	st      *store.Store
	chunker *digest.Chunker
}

func newStoreChunkSource(st *store.Store, chunker *digest.Chunker) *storeChunkSource {
	return &storeChunkSource{st: st, chunker: chunker}
}

func (s *storeChunkSource) Path(d common.Digest) (string, bool) {
	relPath, ok := s.st.LookupByDigest(d)
	if !ok {
		return "", false
	}
	return filepath.Join(s.st.Dir, relPath), true
}

func (s *storeChunkSource) Metadata(d common.Digest) (transfer.Metadata, bool) {
	for _, rec := range s.st.List() {
		if rec.Digest == d {
			return transfer.Metadata{
				Digest:      d,
				TotalBytes:  rec.Size,
				TotalChunks: common.ChunkCount(rec.Size, s.chunker.ChunkSize),
				ChunkSize:   s.chunker.ChunkSize,
			}, true
		}
	}
	return transfer.Metadata{}, false
}
