// Package hashutil provides the content-fingerprinting primitives sandrun
// uses everywhere a result needs to be verifiable: hashing raw bytes, single
// files, and whole output directories into a deterministic, lexicographically
// ordered OutputSet.
//
// Hashing follows the same shape as the teacher's internal/verifier package —
// a fixed-size read buffer over io.CopyBuffer into a running hash.Hash — but
// sandrun never needs verifier's progressive head/tail/chunk strategy: job
// outputs are hashed once, in full, after the sandbox exits.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// blockSize is the read buffer size for streaming hashes. Matches the
// teacher's verifier.blockSize so large files never load fully into memory.
const blockSize = 64 * 1024

// HashBytes returns the lowercase hex-encoded SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through SHA-256 in blockSize chunks and returns the
// lowercase hex digest. Arbitrarily large files are supported without
// loading them into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
