package digest_test

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dignet/dignode/common"
	"github.com/dignet/dignode/digest"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.dig")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestSumMatchesStdlibSHA256(t *testing.T) {
	content := bytes.Repeat([]byte("dignode"), 1000)
	path := writeTempFile(t, content)

	got, err := digest.Sum(path)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	require.Equal(t, common.Digest(want), got)
}

func TestSumEmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)
	got, err := digest.Sum(path)
	require.NoError(t, err)
	require.Equal(t, common.Digest(sha256.Sum256(nil)), got)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	path := writeTempFile(t, []byte("hello"))
	other, err := digest.Sum(writeTempFile(t, []byte("goodbye")))
	require.NoError(t, err)

	err = digest.Verify(path, other)
	require.Error(t, err)
	kind, ok := common.KindOf(err)
	require.True(t, ok)
	require.Equal(t, common.ErrMismatch, kind)
}

func TestChunkerZeroByteFileHasNoChunks(t *testing.T) {
	path := writeTempFile(t, nil)
	c := digest.NewChunker(64 * 1024)
	require.Empty(t, c.AllChunkIndices(0))
	_, err := c.Chunk(path, 0, 0)
	require.ErrorIs(t, err, digest.ErrEndOfFile)
}

func TestChunkerLastChunkIsShort(t *testing.T) {
	chunkSize := int64(16)
	content := bytes.Repeat([]byte{0xAB}, int(chunkSize*3+5))
	path := writeTempFile(t, content)
	c := digest.NewChunker(chunkSize)

	indices := c.AllChunkIndices(int64(len(content)))
	require.Len(t, indices, 4)

	last, err := c.Chunk(path, 3, int64(len(content)))
	require.NoError(t, err)
	require.Len(t, last, 5)
	require.Equal(t, content[chunkSize*3:], last)
}

func TestChunkerNotFound(t *testing.T) {
	c := digest.NewChunker(64 * 1024)
	_, err := c.Chunk(filepath.Join(t.TempDir(), "missing.dig"), 0, 100)
	require.ErrorIs(t, err, digest.ErrNotFound)
}

func TestSumPrefixMatchesFullSumOnFullLength(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, content)

	full, err := digest.Sum(path)
	require.NoError(t, err)

	prefix, err := digest.SumPrefix(path, int64(len(content)))
	require.NoError(t, err)

	require.Equal(t, full, prefix)
}
