package digest

import (
	"crypto/sha256"
	"os"

	"github.com/dignet/dignode/common"
)

// StreamAccumulator is a running SHA-256 hash fed strictly in chunk-index
// order, per spec.md §4.6 ("the hash accumulator is updated only in
// chunk-index order to enable streaming verification").
type StreamAccumulator struct {
	st hashState
}

type hashState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{st: sha256.New()}
}

// Write feeds the next in-order chunk's bytes into the accumulator. Callers
// are responsible for only calling this in ascending chunk-index order.
func (a *StreamAccumulator) Write(b []byte) {
	a.st.Write(b)
}

// Sum returns the digest of every byte written so far.
func (a *StreamAccumulator) Sum() common.Digest {
	var d common.Digest
	copy(d[:], a.st.Sum(nil))
	return d
}

// SeedFromFile re-hashes the first n bytes of path into the accumulator, for
// resuming a partially-downloaded file (spec.md §4.6 "Resume").
func (a *StreamAccumulator) SeedFromFile(path string, n int64) error {
	f, err := os.Open(path)
	if err != nil {
		return common.NewError("digest.SeedFromFile", common.ErrLocalIO, err)
	}
	defer f.Close()

	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	var read int64
	for read < n {
		want := n - read
		if want > bufSize {
			want = bufSize
		}
		nr, err := f.Read(buf[:want])
		if nr > 0 {
			a.st.Write(buf[:nr])
			read += int64(nr)
		}
		if err != nil {
			return common.NewError("digest.SeedFromFile", common.ErrLocalIO, err)
		}
	}
	return nil
}
