// Package store implements C2: directory scan, change-watch,
// add-on-download, and the digest→path index (spec.md §4.2). It owns the
// single-writer/many-reader local store index named in spec.md §5, guarded
// by anacrolix/sync's RWMutex the same way the teacher guards shared torrent
// state.
package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/log"
	xsync "github.com/anacrolix/sync"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
)

// Record is the local file record of spec.md §3: for every record there
// must exist a file on disk at RelPath whose full contents hash to Digest.
type Record struct {
	Digest       common.Digest
	RelPath      string
	Size         int64
	LastModified time.Time
}

// EventKind tags a store event.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventChanged EventKind = "changed"
)

// Event is the typed message emitted by Store in place of the teacher's
// event-emitter pattern (spec.md §9).
type Event struct {
	Kind    EventKind
	Record  Record // zero for EventRemoved
	RelPath string // always populated
}

// Store watches Dir for `*.dig` files directly within it (subdirectories
// ignored per spec.md §6), keeps a digest→record index, and emits
// added/removed/changed events.
type Store struct {
	Dir     string
	Chunker *digest.Chunker
	logger  log.Logger

	mu      xsync.RWMutex
	byPath  map[string]Record
	byHash  map[common.Digest]string // digest -> relpath

	events  chan Event
	watcher *fsnotify.Watcher

	scanGroup singleflight.Group
}

func New(dir string, chunker *digest.Chunker, logger log.Logger) *Store {
	return &Store{
		Dir:     dir,
		Chunker: chunker,
		logger:  logger,
		byPath:  make(map[string]Record),
		byHash:  make(map[common.Digest]string),
		events:  make(chan Event, 256),
	}
}

// Events returns the channel of store lifecycle events.
func (s *Store) Events() <-chan Event { return s.events }

// Scan walks Dir (non-recursively) for `*.dig` files, digesting each and
// populating the index. Records whose file later disappears are evicted at
// the next rescan (spec.md §4.2 invariant).
// Scan re-reads Dir and updates the index, deduplicating concurrent callers
// (the orchestrator's Start and every finished download worker all call
// this) so overlapping requests share one directory read via singleflight
// instead of racing independent scans.
func (s *Store) Scan(ctx context.Context) error {
	_, err, _ := s.scanGroup.Do("scan", func() (any, error) {
		return nil, s.scanOnce(ctx)
	})
	return err
}

func (s *Store) scanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return common.NewError("Store.Scan", common.ErrLocalIO, err)
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".dig") {
			continue
		}
		seen[name] = true
		if err := s.indexFile(name); err != nil {
			s.logger.Levelf(log.Warning, "scan: skipping %s: %v", name, err)
		}
	}

	s.mu.Lock()
	var stale []string
	for relPath := range s.byPath {
		if !seen[relPath] {
			stale = append(stale, relPath)
		}
	}
	for _, relPath := range stale {
		s.evictLocked(relPath)
	}
	s.mu.Unlock()

	for _, relPath := range stale {
		s.emit(Event{Kind: EventRemoved, RelPath: relPath})
	}
	return nil
}

// indexFile digests name (relative to Dir) and updates the index, emitting
// added/changed as appropriate. The write to the index happens before the
// event fires, per spec.md §4.2's watch semantics.
func (s *Store) indexFile(name string) error {
	full := filepath.Join(s.Dir, name)
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	d, err := digest.Sum(full)
	if err != nil {
		return err
	}
	rec := Record{Digest: d, RelPath: name, Size: info.Size(), LastModified: info.ModTime()}

	s.mu.Lock()
	prev, existed := s.byPath[name]
	s.byPath[name] = rec
	s.byHash[d] = name
	if existed && prev.Digest != d {
		delete(s.byHash, prev.Digest)
	}
	s.mu.Unlock()

	if existed {
		if prev.Digest != d || prev.Size != rec.Size {
			s.emit(Event{Kind: EventChanged, Record: rec, RelPath: name})
		}
	} else {
		s.emit(Event{Kind: EventAdded, Record: rec, RelPath: name})
	}
	return nil
}

func (s *Store) evictLocked(relPath string) {
	rec, ok := s.byPath[relPath]
	if !ok {
		return
	}
	delete(s.byPath, relPath)
	if s.byHash[rec.Digest] == relPath {
		delete(s.byHash, rec.Digest)
	}
}

// Watch starts an fsnotify watch on Dir, re-indexing on every create/write
// and evicting on remove, until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return common.NewError("Store.Watch", common.ErrLocalIO, err)
	}
	s.watcher = w
	if err := w.Add(s.Dir); err != nil {
		w.Close()
		return common.NewError("Store.Watch", common.ErrLocalIO, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handleFsEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Levelf(log.Warning, "watch error: %v", err)
			}
		}
	}()
	return nil
}

func (s *Store) handleFsEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, ".dig") {
		return
	}
	if filepath.Dir(ev.Name) != s.Dir {
		// Subdirectories are ignored per spec.md §6.
		return
	}
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.mu.Lock()
		_, existed := s.byPath[name]
		s.evictLocked(name)
		s.mu.Unlock()
		if existed {
			s.emit(Event{Kind: EventRemoved, RelPath: name})
		}
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := s.indexFile(name); err != nil {
			s.logger.Levelf(log.Warning, "watch: skipping %s: %v", name, err)
		}
	}
}

// LookupByDigest returns the relative path holding digest d, if any.
func (s *Store) LookupByDigest(d common.Digest) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	relPath, ok := s.byHash[d]
	return relPath, ok
}

// List returns a snapshot of every record currently in the index.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.byPath))
	for _, rec := range s.byPath {
		out = append(out, rec)
	}
	return out
}

// Digests returns the set of digests currently held, for announcement.
func (s *Store) Digests() []common.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Digest, 0, len(s.byHash))
	for d := range s.byHash {
		out = append(out, d)
	}
	return out
}

// Ingest computes SHA-256 over data and, if it matches want, atomically
// writes it into the store (temp file + rename) and emits Added
// (spec.md §4.2 "Ingest invariant").
func (s *Store) Ingest(want common.Digest, data []byte) error {
	got, err := digest.SumReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if got != want {
		return common.NewError("Store.Ingest", common.ErrMismatch,
			fmt.Errorf("ingested bytes hash to %s, expected %s", got, want))
	}

	name := want.String() + ".dig"
	full := filepath.Join(s.Dir, name)
	tmp, err := os.CreateTemp(s.Dir, ".dignode-ingest-*")
	if err != nil {
		return common.NewError("Store.Ingest", common.ErrLocalIO, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return common.NewError("Store.Ingest", common.ErrLocalIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return common.NewError("Store.Ingest", common.ErrLocalIO, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return common.NewError("Store.Ingest", common.ErrLocalIO, err)
	}

	return s.indexFile(name)
}

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Levelf(log.Warning, "store event channel full, dropping %v for %s", ev.Kind, ev.RelPath)
	}
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
