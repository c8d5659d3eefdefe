// Package checksum implements the integrity checks applied to ingested
// archives: format validation of sha256 strings, streamed whole-file
// verification, and verification of the per-archive manifest.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/myrag/audio-ingest/pkg/faults"
)

// Prefix is the scheme every checksum value carries.
const Prefix = "sha256:"

// readBufferSize is the streaming buffer for whole-file hashing.
const readBufferSize = 8 * 1024

var checksumRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// ValidFormat reports whether s is a well-formed sha256 checksum string.
// Hex case is not significant.
func ValidFormat(s string) bool {
	return checksumRe.MatchString(strings.ToLower(s))
}

// Canonical lowercases the hex payload of a checksum string.
func Canonical(s string) string {
	return strings.ToLower(s)
}

// HashFile streams the file at path through SHA-256 and returns the
// canonical "sha256:<hex>" string.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return Prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile hashes the file at path and compares it to expected.
// A mismatch carries both digests so operators can diff producer output.
func VerifyFile(path, expected string) error {
	if !ValidFormat(expected) {
		return faults.Newf(faults.CodeChecksumFormatInvalid,
			"expected checksum %q is not sha256:<64 hex>", expected)
	}
	actual, err := HashFile(path)
	if err != nil {
		return err
	}
	if actual != Canonical(expected) {
		return faults.Newf(faults.CodeChecksumMismatch,
			"Checksum mismatch for file '%s':\n  Expected: %s\n  Actual: %s",
			path, Canonical(expected), actual)
	}
	return nil
}
