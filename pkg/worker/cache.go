package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/drovekit/drover/pkg/protocol"
)

var bucketCache = []byte("cache")

// ErrCacheMiss indicates the artifact is not in the local cache.
var ErrCacheMiss = errors.New("worker: artifact not cached")

// cacheRecord is the indexed metadata for one cached artifact.
type cacheRecord struct {
	ArtifactID string    `json:"artifactId"`
	Checksum   string    `json:"checksum"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"storedAt"`
}

// Cache is the worker-side artifact cache: content-addressed blobs on
// disk with a bbolt index keyed by artifact ID. Dispatches for an
// artifact the worker already holds resolve as cache hits and skip the
// transfer entirely.
type Cache struct {
	blobDir string
	db      *bolt.DB
}

// OpenCache opens (or creates) the cache rooted at dir.
func OpenCache(dir string) (*Cache, error) {
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "cache.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{blobDir: blobDir, db: db}, nil
}

// Close closes the cache index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores artifact content under its ID. The blob is written to a
// temp file while hashing, then renamed into place. Returns the hex
// SHA-256 of the content.
func (c *Cache) Put(artifactID string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	tmp, err := os.CreateTemp(c.blobDir, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, c.blobPath(checksum)); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	rec := cacheRecord{
		ArtifactID: artifactID,
		Checksum:   checksum,
		Size:       int64(len(content)),
		StoredAt:   time.Now().UTC(),
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCache).Put([]byte(artifactID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to index blob: %w", err)
	}
	return checksum, nil
}

// Lookup returns the cached record for an artifact ID, if present and
// the blob still exists on disk.
func (c *Cache) Lookup(artifactID string) (*cacheRecord, bool) {
	var rec cacheRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(artifactID))
		if data == nil {
			return ErrCacheMiss
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false
	}
	if _, err := os.Stat(c.blobPath(rec.Checksum)); err != nil {
		return nil, false
	}
	return &rec, true
}

// Materialize copies a cached blob to dst, creating parent directories.
func (c *Cache) Materialize(artifactID, dst string) error {
	rec, ok := c.Lookup(artifactID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCacheMiss, artifactID)
	}
	content, err := os.ReadFile(c.blobPath(rec.Checksum))
	if err != nil {
		return fmt.Errorf("failed to read cached blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return fmt.Errorf("failed to materialize artifact: %w", err)
	}
	return nil
}

// Status returns the cache footprint reported inside every ack.
func (c *Cache) Status() protocol.CacheStatus {
	var status protocol.CacheStatus
	c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(k, v []byte) error {
			var rec cacheRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			status.Count++
			status.SizeBytes += rec.Size
			return nil
		})
	})
	return status
}

// Evict removes one artifact from the cache. Evicting an absent
// artifact is not an error.
func (c *Cache) Evict(artifactID string) error {
	rec, ok := c.Lookup(artifactID)
	if ok {
		if err := os.Remove(c.blobPath(rec.Checksum)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove blob: %w", err)
		}
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(artifactID))
	})
}

func (c *Cache) blobPath(checksum string) string {
	return filepath.Join(c.blobDir, checksum)
}
