package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

/**
 * Compute the SHA-256 checksum of a file
 * @returns {string} Lowercase hex digest
 * @returns {int64} File size in bytes
 */
func FileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
