// Package cryptoutil provides the hashing helpers used for boot image
// content ids and stock image fingerprints.
package cryptoutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Bytes2Hex encodes a byte slice to hex string
func Bytes2Hex(d []byte) string {
	return hex.EncodeToString(d)
}

// HashAlgorithm represents supported hash algorithms
type HashAlgorithm string

const (
	// SHA1 algorithm; boot image content ids are SHA-1 by format definition
	SHA1 HashAlgorithm = "sha1"

	// SHA256 algorithm
	SHA256 HashAlgorithm = "sha256"
)

// NewHash returns a fresh hash.Hash for the algorithm.
func NewHash(algorithm HashAlgorithm) (hash.Hash, error) {
	switch strings.ToLower(string(algorithm)) {
	case string(SHA1):
		return sha1.New(), nil
	case string(SHA256):
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// HashFile hashes the content of a file and returns the hex digest.
func HashFile(algorithm HashAlgorithm, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return Bytes2Hex(h.Sum(nil)), nil
}

// HashBytes hashes data and returns the hex digest.
func HashBytes(algorithm HashAlgorithm, data []byte) (string, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return Bytes2Hex(h.Sum(nil)), nil
}
