package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
)

var recordsBucket = []byte("records")

// IndexMirror persists the digest->record index to a bbolt file so a
// restart can seed the index without a directory walk; Preload still
// re-hashes every cached file before trusting it, so it does not save the
// hashing. It is purely a cache: Scan always remains the source of truth,
// and any record whose file has vanished is evicted exactly as if it had
// never been cached (spec.md §4.2 invariant).
type IndexMirror struct {
	db *bbolt.DB
}

func OpenIndexMirror(path string) (*IndexMirror, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, common.NewError("store.OpenIndexMirror", common.ErrLocalIO, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, common.NewError("store.OpenIndexMirror", common.ErrLocalIO, err)
	}
	return &IndexMirror{db: db}, nil
}

func (m *IndexMirror) Close() error { return m.db.Close() }

func (m *IndexMirror) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.RelPath), data)
	})
}

func (m *IndexMirror) Delete(relPath string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(relPath))
	})
}

// LoadAll returns every cached record, keyed by relative path. Callers
// (Store.Preload) are responsible for confirming each record's file still
// exists and still hashes to the cached digest before trusting it.
func (m *IndexMirror) LoadAll() (map[string]Record, error) {
	out := make(map[string]Record)
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding cached record %s: %w", k, err)
			}
			out[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, common.NewError("store.IndexMirror.LoadAll", common.ErrLocalIO, err)
	}
	return out, nil
}

// Preload seeds the in-memory index from the mirror, verifying each cached
// record's digest before trusting it and skipping (without error) any that
// no longer match (spec.md §4.2: "Violation ⇒ record evicted at next
// rescan" — Preload enforces the same rule up front instead of waiting for
// the first Scan).
func (s *Store) Preload(mirror *IndexMirror) error {
	cached, err := mirror.LoadAll()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for relPath, rec := range cached {
		full := filepath.Join(s.Dir, relPath)
		if err := digest.Verify(full, rec.Digest); err != nil {
			continue
		}
		s.byPath[relPath] = rec
		s.byHash[rec.Digest] = relPath
	}
	return nil
}
