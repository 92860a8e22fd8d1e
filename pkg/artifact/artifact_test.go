package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/store"
	"github.com/drovekit/drover/pkg/types"
)

func newTestContentStore(t *testing.T) *ContentStore {
	t.Helper()
	dir := t.TempDir()

	meta, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	cs, err := NewContentStore(dir, meta)
	require.NoError(t, err)
	return cs
}

func TestPutAndOpen(t *testing.T) {
	cs := newTestContentStore(t)

	content := []byte("artifact payload bytes")
	wantSum := sha256.Sum256(content)
	wantHex := hex.EncodeToString(wantSum[:])

	artifact, err := cs.Put("build-cache.tar", types.CompressionZstd, bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, wantHex, artifact.ID)
	assert.Equal(t, wantHex, artifact.Checksum)
	assert.Equal(t, int64(len(content)), artifact.Size)
	assert.Equal(t, "build-cache.tar", artifact.Name)
	assert.Equal(t, types.CompressionZstd, artifact.Compression)

	rc, size, err := cs.Open(artifact.ID)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, int64(len(content)), size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutDeduplicates(t *testing.T) {
	cs := newTestContentStore(t)

	content := []byte("same bytes both times")

	first, err := cs.Put("original-name", types.CompressionGzip, bytes.NewReader(content))
	require.NoError(t, err)

	second, err := cs.Put("different-name", types.CompressionZstd, bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "original-name", second.Name)

	list, err := cs.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPutDefaultCompression(t *testing.T) {
	cs := newTestContentStore(t)

	artifact, err := cs.Put("blob", "", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, types.CompressionZstd, artifact.Compression)
}

func TestGetNotFound(t *testing.T) {
	cs := newTestContentStore(t)

	_, err := cs.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = cs.Open("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	cs := newTestContentStore(t)

	artifact, err := cs.Put("doomed", types.CompressionNone, bytes.NewReader([]byte("bytes")))
	require.NoError(t, err)

	require.NoError(t, cs.Delete(artifact.ID))

	_, err = cs.Get(artifact.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, cs.Delete(artifact.ID))
}

func TestVerify(t *testing.T) {
	cs := newTestContentStore(t)

	artifact, err := cs.Put("verified", types.CompressionNone, bytes.NewReader([]byte("intact content")))
	require.NoError(t, err)

	ok, err := cs.Verify(artifact.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmptyArtifact(t *testing.T) {
	cs := newTestContentStore(t)

	artifact, err := cs.Put("empty", types.CompressionNone, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), artifact.Size)

	rc, size, err := cs.Open(artifact.ID)
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, int64(0), size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}
