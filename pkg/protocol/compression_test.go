package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drovekit/drover/pkg/types"
)

// TestCompressDecompress verifies each codec round-trips
func TestCompressDecompress(t *testing.T) {
	content := bytes.Repeat([]byte("drover artifact payload "), 4096)

	tests := []struct {
		name       string
		codec      types.CompressionType
		compresses bool
	}{
		{name: "none", codec: types.CompressionNone, compresses: false},
		{name: "gzip", codec: types.CompressionGzip, compresses: true},
		{name: "zstd", codec: types.CompressionZstd, compresses: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Compress(content, tt.codec)
			require.NoError(t, err)
			if tt.compresses {
				assert.Less(t, len(encoded), len(content), "repetitive input should shrink")
			}

			decoded, err := Decompress(encoded, tt.codec, int64(len(content)))
			require.NoError(t, err)
			assert.Equal(t, content, decoded)
		})
	}
}

// TestDecompressSizeMismatch verifies the hard protocol error
func TestDecompressSizeMismatch(t *testing.T) {
	encoded, err := Compress([]byte("payload"), types.CompressionGzip)
	require.NoError(t, err)

	_, err = Decompress(encoded, types.CompressionGzip, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

// TestCompressUnknownCodec rejects codecs outside the enum
func TestCompressUnknownCodec(t *testing.T) {
	_, err := Compress([]byte("x"), types.CompressionType("lz4"))
	assert.Error(t, err)

	_, err = Decompress([]byte("x"), types.CompressionType("lz4"), 1)
	assert.Error(t, err)
}

// TestNegotiate verifies zstd capability gating
func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		requested types.CompressionType
		caps      map[string]string
		want      types.CompressionType
		fallback  bool
	}{
		{
			name:      "zstd capable worker keeps zstd",
			requested: types.CompressionZstd,
			caps:      map[string]string{types.CapabilityZstd: "true"},
			want:      types.CompressionZstd,
		},
		{
			name:      "zstd incapable worker falls back to gzip",
			requested: types.CompressionZstd,
			caps:      map[string]string{},
			want:      types.CompressionGzip,
			fallback:  true,
		},
		{
			name:      "gzip passes through",
			requested: types.CompressionGzip,
			caps:      map[string]string{},
			want:      types.CompressionGzip,
		},
		{
			name:      "none passes through",
			requested: types.CompressionNone,
			caps:      map[string]string{types.CapabilityZstd: "true"},
			want:      types.CompressionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fallback := Negotiate(tt.requested, tt.caps)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.fallback, fallback)
		})
	}
}
