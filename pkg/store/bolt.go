package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/drovekit/drover/pkg/types"
)

var (
	// Bucket names
	bucketJobs      = []byte("jobs")
	bucketPools     = []byte("pools")
	bucketArtifacts = []byte("artifacts")
	bucketMeta      = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

// schemaVersion is bumped when the bucket layout changes.
const schemaVersion = "1"

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketJobs, bucketPools, bucketArtifacts, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals a record into a bucket. Create and Update share it, so
// both are upserts.
func (s *BoltStore) put(bucket []byte, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, id)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.put(bucketJobs, job.ID, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.get(bucketJobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var jobs []*types.Job
	for _, job := range all {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(bucketJobs, id)
}

// Pool operations

func (s *BoltStore) CreatePool(pool *types.Pool) error {
	return s.put(bucketPools, pool.ID, pool)
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var pool types.Pool
	if err := s.get(bucketPools, id, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.Pool, error) {
	var found *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			if pool.Name == name {
				found = &pool
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: pool %q", ErrNotFound, name)
	}
	return found, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

func (s *BoltStore) UpdatePool(pool *types.Pool) error {
	return s.CreatePool(pool)
}

func (s *BoltStore) DeletePool(id string) error {
	return s.delete(bucketPools, id)
}

// Artifact operations

func (s *BoltStore) CreateArtifact(artifact *types.Artifact) error {
	return s.put(bucketArtifacts, artifact.ID, artifact)
}

func (s *BoltStore) GetArtifact(id string) (*types.Artifact, error) {
	var artifact types.Artifact
	if err := s.get(bucketArtifacts, id, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *BoltStore) ListArtifacts() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var artifact types.Artifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			artifacts = append(artifacts, &artifact)
			return nil
		})
	})
	return artifacts, err
}

func (s *BoltStore) DeleteArtifact(id string) error {
	return s.delete(bucketArtifacts, id)
}
