package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

// ErrNotFound indicates the artifact is unknown to the content store.
var ErrNotFound = errors.New("artifact: not found")

// ContentStore keeps artifact blobs on disk, addressed by the hex
// SHA-256 of their content, with metadata indexed through the Store.
// The artifact ID equals its checksum, so identical uploads dedupe.
type ContentStore struct {
	blobDir string
	meta    store.Store
	logger  zerolog.Logger
}

// NewContentStore creates a content store rooted at dataDir/artifacts.
func NewContentStore(dataDir string, meta store.Store) (*ContentStore, error) {
	blobDir := filepath.Join(dataDir, "artifacts")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &ContentStore{
		blobDir: blobDir,
		meta:    meta,
		logger:  log.WithComponent("artifact-store"),
	}, nil
}

// Put streams content into the store and returns its metadata. The
// blob is written to a temp file while hashing, then renamed into
// place, so partial writes never become visible. Uploading content
// that already exists returns the existing record.
func (s *ContentStore) Put(name string, compression types.CompressionType, r io.Reader) (*types.Artifact, error) {
	if compression == "" {
		compression = types.CompressionZstd
	}

	tmp, err := os.CreateTemp(s.blobDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write artifact content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	if existing, err := s.meta.GetArtifact(checksum); err == nil {
		s.logger.Debug().
			Str("artifact_id", checksum).
			Str("name", name).
			Msg("Artifact content already stored")
		return existing, nil
	}

	if err := os.Rename(tmpPath, s.blobPath(checksum)); err != nil {
		return nil, fmt.Errorf("failed to store artifact blob: %w", err)
	}

	artifact := &types.Artifact{
		ID:          checksum,
		Name:        name,
		Size:        size,
		Checksum:    checksum,
		Compression: compression,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.meta.CreateArtifact(artifact); err != nil {
		return nil, fmt.Errorf("failed to index artifact: %w", err)
	}

	s.logger.Info().
		Str("artifact_id", checksum).
		Str("name", name).
		Int64("size", size).
		Msg("Artifact stored")

	return artifact, nil
}

// Get returns artifact metadata by ID.
func (s *ContentStore) Get(id string) (*types.Artifact, error) {
	artifact, err := s.meta.GetArtifact(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return artifact, nil
}

// Open returns a reader over the raw blob bytes plus the blob size.
// The caller must close the reader.
func (s *ContentStore) Open(id string) (io.ReadCloser, int64, error) {
	artifact, err := s.Get(id)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(s.blobPath(artifact.Checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: blob missing for %s", ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("failed to open artifact blob: %w", err)
	}
	return f, artifact.Size, nil
}

// List returns metadata for all stored artifacts.
func (s *ContentStore) List() ([]*types.Artifact, error) {
	return s.meta.ListArtifacts()
}

// Delete removes the blob and its metadata. Removing an absent
// artifact is not an error.
func (s *ContentStore) Delete(id string) error {
	artifact, err := s.meta.GetArtifact(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := os.Remove(s.blobPath(artifact.Checksum)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact blob: %w", err)
	}
	return s.meta.DeleteArtifact(id)
}

// Verify recomputes the blob checksum and reports whether it still
// matches the indexed value.
func (s *ContentStore) Verify(id string) (bool, error) {
	artifact, err := s.Get(id)
	if err != nil {
		return false, err
	}

	f, err := os.Open(s.blobPath(artifact.Checksum))
	if err != nil {
		return false, fmt.Errorf("failed to open artifact blob: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, fmt.Errorf("failed to hash artifact blob: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)) == artifact.Checksum, nil
}

func (s *ContentStore) blobPath(checksum string) string {
	return filepath.Join(s.blobDir, checksum)
}
