// Package digest implements C1: SHA-256 content digests and chunked reads
// over a file, per spec.md §4.1. Reads stream through the file; the whole
// file is never buffered in memory, generalizing the teacher's
// storagePieceReader streaming ReadAt in storage.go from whole-torrent
// pieces to single opaque blobs.
package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/dignet/dignode/common"
)

// Sum streams the file at path through SHA-256, never holding more than a
// copy buffer in memory. It fails with a local-io kind error on read
// failure (spec.md §4.1: "digest fails with read-error on I/O failure").
func Sum(path string) (common.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return common.Digest{}, common.NewError("digest.Sum", common.ErrLocalIO, err)
	}
	defer f.Close()
	return SumReader(f)
}

// SumReader streams r through SHA-256. Exposed separately so Store.Ingest
// can hash a candidate byte stream before it ever reaches disk.
func SumReader(r io.Reader) (common.Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return common.Digest{}, common.NewError("digest.SumReader", common.ErrLocalIO, err)
	}
	var d common.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// SumPrefix hashes only the first n bytes of the file at path, used by the
// transfer resume path to verify an existing partial download's prefix
// before trusting it (spec.md §4.6 "Resume").
func SumPrefix(path string, n int64) (common.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return common.Digest{}, common.NewError("digest.SumPrefix", common.ErrLocalIO, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return common.Digest{}, common.NewError("digest.SumPrefix", common.ErrLocalIO, err)
	}
	var d common.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Verify re-sums path and compares it against want, returning a
// *common.Error with ErrMismatch if it differs.
func Verify(path string, want common.Digest) error {
	got, err := Sum(path)
	if err != nil {
		return err
	}
	if got != want {
		return common.NewError("digest.Verify", common.ErrMismatch,
			fmt.Errorf("computed digest %s does not match expected %s", got, want))
	}
	return nil
}
