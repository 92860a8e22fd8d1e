package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestJobCRUD(t *testing.T) {
	st := newTestStore(t)

	job := &types.Job{
		ID:       "job-1",
		Name:     "build-frontend",
		Priority: types.PriorityHigh,
		Status:   types.JobStatusQueued,
		Payload: &types.JobPayload{
			Command: []string{"make", "build"},
		},
		CreatedAt: time.Now().UTC(),
	}

	require.NoError(t, st.CreateJob(job))

	got, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "build-frontend", got.Name)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	assert.Equal(t, []string{"make", "build"}, got.Payload.Command)

	got.Status = types.JobStatusRunning
	require.NoError(t, st.UpdateJob(got))

	updated, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, updated.Status)

	require.NoError(t, st.DeleteJob("job-1"))
	_, err = st.GetJob("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsByStatus(t *testing.T) {
	st := newTestStore(t)

	statuses := []types.JobStatus{
		types.JobStatusQueued,
		types.JobStatusRunning,
		types.JobStatusQueued,
		types.JobStatusCompleted,
	}
	for i, status := range statuses {
		require.NoError(t, st.CreateJob(&types.Job{
			ID:     string(rune('a' + i)),
			Status: status,
		}))
	}

	queued, err := st.ListJobsByStatus(types.JobStatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	all, err := st.ListJobs()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestPoolCRUD(t *testing.T) {
	st := newTestStore(t)

	pool := &types.Pool{
		ID:       "pool-1",
		Name:     "linux-builders",
		Provider: "containerd",
		Policy: types.ScalingPolicy{
			MinWorkers: 1,
			MaxWorkers: 10,
		},
	}

	require.NoError(t, st.CreatePool(pool))

	byID, err := st.GetPool("pool-1")
	require.NoError(t, err)
	assert.Equal(t, "linux-builders", byID.Name)

	byName, err := st.GetPoolByName("linux-builders")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", byName.ID)

	_, err = st.GetPoolByName("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	byID.Policy.MaxWorkers = 20
	require.NoError(t, st.UpdatePool(byID))

	updated, err := st.GetPool("pool-1")
	require.NoError(t, err)
	assert.Equal(t, 20, updated.Policy.MaxWorkers)

	pools, err := st.ListPools()
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	require.NoError(t, st.DeletePool("pool-1"))
	_, err = st.GetPool("pool-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactCRUD(t *testing.T) {
	st := newTestStore(t)

	artifact := &types.Artifact{
		ID:          "sha256:abc",
		Name:        "build-cache.tar",
		Size:        1024,
		Checksum:    "abc",
		Compression: types.CompressionZstd,
	}

	require.NoError(t, st.CreateArtifact(artifact))

	got, err := st.GetArtifact("sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got.Size)
	assert.Equal(t, types.CompressionZstd, got.Compression)

	list, err := st.ListArtifacts()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.DeleteArtifact("sha256:abc"))
	_, err = st.GetArtifact("sha256:abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.DeleteJob("never-existed"))
	require.NoError(t, st.DeletePool("never-existed"))
	require.NoError(t, st.DeleteArtifact("never-existed"))
}

func TestUpsertSemantics(t *testing.T) {
	st := newTestStore(t)

	job := &types.Job{ID: "job-1", Name: "first"}
	require.NoError(t, st.CreateJob(job))

	job.Name = "second"
	require.NoError(t, st.CreateJob(job))

	got, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.CreateJob(&types.Job{ID: "job-1", Name: "durable"}))
	require.NoError(t, st.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Name)
}

func TestErrNotFoundIsComparable(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetJob("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "nope")
}
