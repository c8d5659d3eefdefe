// Package archive fetches drop packages from object storage into scratch
// space and extracts the conversation payload. Every drop gets a private
// scratch directory that is removed on all exit paths; orphans left by
// crashes are reclaimed by SweepScratch.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/myrag/audio-ingest/pkg/checksum"
	"github.com/myrag/audio-ingest/pkg/faults"
)

const (
	archiveFileName      = "archive.tar.gz"
	legacyFileName       = "payload.json"
	extractedDirName     = "extracted"
	conversationFileName = "conversation.json"
)

// Store is the slice of object storage the fetcher needs.
type Store interface {
	// Stat returns the object size, erroring when the object is absent.
	Stat(ctx context.Context, bucket, key string) (int64, error)
	// Open returns a reader over the object body.
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// MinioStore adapts a minio client to Store.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(client *minio.Client) *MinioStore {
	return &MinioStore{client: client}
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *MinioStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

// Drop is one fetched package on local disk.
type Drop struct {
	ScratchDir    string
	ArchivePath   string
	ExtractedRoot string
	// ManifestRoot is the directory holding checksums.sha256; archives may
	// nest their contents under a top-level directory. Falls back to
	// ExtractedRoot when no manifest exists.
	ManifestRoot     string
	ConversationPath string
	SizeBytes        int64
	// Legacy marks a bare .json / .json.gz drop that carried no archive.
	Legacy bool
}

// Payload reads the conversation document.
func (d *Drop) Payload() ([]byte, error) {
	data, err := os.ReadFile(d.ConversationPath)
	if err != nil {
		return nil, faults.Wrapf(faults.CodeProcessingFailure, err,
			"reading conversation payload from %s", d.ConversationPath)
	}
	return data, nil
}

// Release removes the scratch directory. Safe to call more than once.
func (d *Drop) Release() {
	if d.ScratchDir == "" {
		return
	}
	if err := os.RemoveAll(d.ScratchDir); err != nil {
		slog.Warn("Failed to remove scratch directory", "dir", d.ScratchDir, "error", err)
	}
	d.ScratchDir = ""
}

// Fetcher downloads and unpacks drop packages.
type Fetcher struct {
	store       Store
	scratchRoot string
	maxBytes    int64
}

// NewFetcher builds a fetcher. maxBytes caps the object size accepted from
// storage; zero means no cap.
func NewFetcher(store Store, scratchRoot string, maxBytes int64) *Fetcher {
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	return &Fetcher{store: store, scratchRoot: scratchRoot, maxBytes: maxBytes}
}

// Fetch downloads bucket/key into a fresh scratch dir and locates the
// conversation document. The caller owns the returned Drop and must call
// Release; on error the scratch dir is already gone.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key, stableEventID string) (*Drop, error) {
	size, err := f.store.Stat(ctx, bucket, key)
	if err != nil {
		return nil, faults.Wrapf(faults.CodeMinioDownloadFailed, err,
			"stat object %s/%s", bucket, key)
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		return nil, faults.Newf(faults.CodeProcessingFailure,
			"object %s/%s is %d bytes, exceeds the %d byte cap", bucket, key, size, f.maxBytes)
	}

	scratch, err := newScratchDir(f.scratchRoot, stableEventID)
	if err != nil {
		return nil, faults.Wrapf(faults.CodeProcessingFailure, err, "creating scratch directory")
	}
	drop, err := f.fetchInto(ctx, scratch, bucket, key)
	if err != nil {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			slog.Warn("Failed to remove scratch directory", "dir", scratch, "error", rmErr)
		}
		return nil, err
	}
	drop.SizeBytes = size
	return drop, nil
}

func (f *Fetcher) fetchInto(ctx context.Context, scratch, bucket, key string) (*Drop, error) {
	switch {
	case strings.HasSuffix(key, ".tar.gz"):
		archivePath := filepath.Join(scratch, archiveFileName)
		if err := f.download(ctx, bucket, key, archivePath); err != nil {
			return nil, err
		}
		extractedRoot := filepath.Join(scratch, extractedDirName)
		if err := extractTarGz(archivePath, extractedRoot); err != nil {
			return nil, err
		}
		conversationPath, err := findConversationFile(extractedRoot)
		if err != nil {
			return nil, err
		}
		return &Drop{
			ScratchDir:       scratch,
			ArchivePath:      archivePath,
			ExtractedRoot:    extractedRoot,
			ManifestRoot:     findManifestRoot(extractedRoot),
			ConversationPath: conversationPath,
		}, nil

	case strings.HasSuffix(key, ".json.gz"):
		gzPath := filepath.Join(scratch, legacyFileName+".gz")
		if err := f.download(ctx, bucket, key, gzPath); err != nil {
			return nil, err
		}
		jsonPath := filepath.Join(scratch, legacyFileName)
		if err := gunzipFile(gzPath, jsonPath); err != nil {
			return nil, err
		}
		return &Drop{ScratchDir: scratch, ArchivePath: gzPath, ConversationPath: jsonPath, Legacy: true}, nil

	case strings.HasSuffix(key, ".json"):
		jsonPath := filepath.Join(scratch, legacyFileName)
		if err := f.download(ctx, bucket, key, jsonPath); err != nil {
			return nil, err
		}
		return &Drop{ScratchDir: scratch, ArchivePath: jsonPath, ConversationPath: jsonPath, Legacy: true}, nil

	default:
		return nil, faults.Newf(faults.CodeProcessingFailure,
			"unsupported package extension on %q (want .tar.gz, .json or .json.gz)", key)
	}
}

func (f *Fetcher) download(ctx context.Context, bucket, key, dest string) error {
	body, err := f.store.Open(ctx, bucket, key)
	if err != nil {
		return faults.Wrapf(faults.CodeMinioDownloadFailed, err, "opening object %s/%s", bucket, key)
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", dest)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return faults.Wrapf(faults.CodeMinioDownloadFailed, err,
			"downloading object %s/%s", bucket, key)
	}
	return nil
}

// extractTarGz unpacks src into dest. Entries escaping dest are rejected;
// symlinks and other irregular entries are skipped.
func extractTarGz(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "opening archive %s", src)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "archive %s is not gzip", src)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", dest)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return faults.Wrapf(faults.CodeProcessingFailure, err, "reading archive %s", src)
		}

		target, err := secureJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", filepath.Dir(target))
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return faults.Wrapf(faults.CodeProcessingFailure, err, "extracting %s", hdr.Name)
			}
			if err := out.Close(); err != nil {
				return faults.Wrapf(faults.CodeProcessingFailure, err, "closing %s", target)
			}
		default:
			slog.Warn("Skipping non-regular archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

// secureJoin joins name under root, rejecting absolute names and any path
// that resolves outside root.
func secureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", faults.Newf(faults.CodeProcessingFailure,
			"archive entry %q has an absolute path", name)
	}
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", faults.Newf(faults.CodeProcessingFailure,
			"archive entry %q escapes the extraction root", name)
	}
	return target, nil
}

// findManifestRoot walks root for the checksum manifest and returns its
// directory, so manifest paths resolve relative to where the producer wrote
// them. Returns root when no manifest is present; the verifier reports the
// absence.
func findManifestRoot(root string) string {
	manifestRoot := root
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == checksum.ManifestName {
			manifestRoot = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	return manifestRoot
}

// findConversationFile walks root and returns the first conversation.json.
func findConversationFile(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == conversationFileName {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", faults.Wrapf(faults.CodeProcessingFailure, err, "scanning extracted archive")
	}
	if found == "" {
		return "", faults.Newf(faults.CodeValidationError,
			"archive contains no %s", conversationFileName)
	}
	return found, nil
}

func gunzipFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "opening %s", src)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "%s is not gzip", src)
	}
	defer gz.Close()

	out, err := os.Create(dest)
	if err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "creating %s", dest)
	}
	defer out.Close()

	if _, err := io.Copy(out, gz); err != nil {
		return faults.Wrapf(faults.CodeProcessingFailure, err, "decompressing %s", src)
	}
	return nil
}
