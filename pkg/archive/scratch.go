package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const scratchPrefix = "ingest-"

// newScratchDir creates a private scratch directory for one drop under
// root, named ingest-<stable_event_id>-<random>.
func newScratchDir(root, stableEventID string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(root, fmt.Sprintf("%s%s-", scratchPrefix, stableEventID))
}

// SweepScratch removes scratch directories under root older than olderThan.
// It only touches directories carrying the scratch prefix, so a shared temp
// root is safe. Returns the number of directories removed.
func SweepScratch(root string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading scratch root %s: %w", root, err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}
		slog.Info("Removed orphaned scratch directory", "dir", path, "age", time.Since(info.ModTime()).Round(time.Second))
		removed++
	}
	return removed, errors.Join(errs...)
}
