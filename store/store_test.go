package store_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/digest"
	"github.com/dignet/dignode/store"
)

func newStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := store.New(dir, digest.NewChunker(0), log.Default)
	return s, dir
}

func TestScanIndexesDigFilesOnly(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dig"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "b.dig"), []byte("nested"), 0o644))

	require.NoError(t, s.Scan(context.Background()))

	records := s.List()
	require.Len(t, records, 1)
	require.Equal(t, "a.dig", records[0].RelPath)
}

func TestScanEvictsDeletedFiles(t *testing.T) {
	s, dir := newStore(t)
	path := filepath.Join(dir, "a.dig")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	require.NoError(t, s.Scan(context.Background()))
	require.Len(t, s.List(), 1)

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Scan(context.Background()))
	require.Empty(t, s.List())
}

func TestLookupByDigestInvariant(t *testing.T) {
	s, dir := newStore(t)
	content := []byte("payload")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dig"), content, 0o644))
	require.NoError(t, s.Scan(context.Background()))

	want, err := digest.Sum(filepath.Join(dir, "a.dig"))
	require.NoError(t, err)

	relPath, ok := s.LookupByDigest(want)
	require.True(t, ok)

	got, err := digest.Sum(filepath.Join(dir, relPath))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIngestRejectsMismatch(t *testing.T) {
	s, _ := newStore(t)
	var wrong [32]byte
	wrong[0] = 0xFF
	err := s.Ingest(wrong, []byte("some bytes"))
	require.Error(t, err)
}

func TestIngestWritesAndIndexes(t *testing.T) {
	s, dir := newStore(t)
	content := []byte("atomically written")
	want, err := digest.SumReader(bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, s.Ingest(want, content))

	relPath, ok := s.LookupByDigest(want)
	require.True(t, ok)
	got, err := os.ReadFile(filepath.Join(dir, relPath))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestConcurrentScansConverge(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.dig"), []byte("hello"), 0o644))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Scan(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, s.List(), 1)
}

func TestWatchAddEmitsAddedEvent(t *testing.T) {
	s, dir := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.dig"), []byte("x"), 0o644))

	select {
	case ev := <-s.Events():
		require.Equal(t, store.EventAdded, ev.Kind)
		require.Equal(t, "watched.dig", ev.RelPath)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for added event")
	}
}
