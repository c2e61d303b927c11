// Package digest computes the integrity hash of an assembled upload.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// bufferSize is the read buffer for streaming the file through the hash.
const bufferSize = 1 << 20

// File streams the file at path through SHA-256 and returns the lowercase
// hex digest. Memory use is bounded by the read buffer regardless of file
// size.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
