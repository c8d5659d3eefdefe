package checksum

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/myrag/audio-ingest/pkg/faults"
)

// ManifestName is the manifest file expected at the archive root.
const ManifestName = "checksums.sha256"

// manifestSepRe splits a manifest line into hash and path. Producers emit
// two-plus spaces; tabs are accepted as an equivalent gap.
var (
	manifestSepRe  = regexp.MustCompile(`\s{2,}|\t`)
	manifestHashRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ManifestEntry is one parsed line of the manifest.
type ManifestEntry struct {
	Hash string // lowercase hex, no sha256: prefix
	Path string // POSIX-style, relative to the extraction root
}

// ParseManifest reads a manifest file and returns its entries. Blank lines,
// #-comments, and malformed lines are skipped (malformed ones with a
// warning). The manifest's entry for itself is dropped.
func ParseManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Newf(faults.CodeChecksumFormatInvalid,
				"checksum manifest %s not found in archive", filepath.Base(path))
		}
		return nil, fmt.Errorf("opening checksum manifest: %w", err)
	}
	defer f.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := manifestSepRe.Split(line, 2)
		if len(parts) != 2 {
			slog.Warn("Skipping malformed manifest line", "file", path, "line", lineNo)
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(parts[0]))
		rel := strings.TrimSpace(parts[1])
		if !manifestHashRe.MatchString(hash) || rel == "" {
			slog.Warn("Skipping malformed manifest line", "file", path, "line", lineNo)
			continue
		}
		if rel == ManifestName {
			continue
		}
		entries = append(entries, ManifestEntry{Hash: hash, Path: rel})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksum manifest: %w", err)
	}
	return entries, nil
}

// VerifyManifest parses root/<manifestName> and verifies every listed file.
// All failures are collected before raising one aggregate error: mismatches
// classify as checksum_mismatch, everything else (missing files, unreadable
// files) as checksum_format_invalid.
func VerifyManifest(root, manifestName string) error {
	entries, err := ParseManifest(filepath.Join(root, manifestName))
	if err != nil {
		return err
	}

	var failures []string
	sawMismatch := false
	for _, e := range entries {
		target := filepath.Join(root, filepath.FromSlash(e.Path))
		actual, err := HashFile(target)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				failures = append(failures, fmt.Sprintf("file listed in manifest not found: %s", e.Path))
			} else {
				failures = append(failures, fmt.Sprintf("failed to hash %s: %v", e.Path, err))
			}
			continue
		}
		expected := Prefix + e.Hash
		if actual != expected {
			sawMismatch = true
			failures = append(failures, fmt.Sprintf("Checksum mismatch for file '%s':\n  Expected: %s\n  Actual: %s",
				e.Path, expected, actual))
		}
	}

	if len(failures) == 0 {
		return nil
	}
	code := faults.CodeChecksumFormatInvalid
	if sawMismatch {
		code = faults.CodeChecksumMismatch
	}
	return faults.Newf(code, "Checksum verification failed for %d file(s):\n%s",
		len(failures), strings.Join(failures, "\n"))
}
