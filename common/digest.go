package common

import (
	"encoding/hex"
	"fmt"

	"github.com/multiformats/go-multihash"
)

// Digest is a SHA-256 content identifier (spec.md §3). It is the sole key
// for blobs; filenames on disk are advisory only.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a 64-character lowercase hex SHA-256 string.
func ParseDigest(s string) (d Digest, err error) {
	if len(s) != hex.EncodedLen(len(d)) {
		return d, fmt.Errorf("digest must be %d hex chars, got %d", hex.EncodedLen(len(d)), len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest: %w", err)
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Multihash exports the digest in multihash form (sha2-256) for
// announcement boundaries that want algorithm-agile content ids without
// dignode depending on any particular consumer's stack (SPEC_FULL.md §3).
func (d Digest) Multihash() (multihash.Multihash, error) {
	return multihash.Encode(d[:], multihash.SHA2_256)
}

// DigestFromMultihash is the inverse of Multihash, validating that the
// decoded hash is a plain sha2-256 digest of the expected length.
func DigestFromMultihash(mh multihash.Multihash) (d Digest, err error) {
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return d, fmt.Errorf("decoding multihash: %w", err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return d, fmt.Errorf("expected sha2-256 multihash, got code %d", decoded.Code)
	}
	if len(decoded.Digest) != len(d) {
		return d, fmt.Errorf("expected %d byte digest, got %d", len(d), len(decoded.Digest))
	}
	copy(d[:], decoded.Digest)
	return d, nil
}
