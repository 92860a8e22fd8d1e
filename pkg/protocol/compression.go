package protocol

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/drovekit/drover/pkg/types"
)

// ErrSizeMismatch is returned when decompressed content does not match
// the declared original size. This is a hard protocol error: the
// receiving side must terminate the session.
var ErrSizeMismatch = fmt.Errorf("protocol: decompressed size does not match originalSize")

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		// EncodeAll/DecodeAll usage only, so nil streams are fine.
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

// Compress encodes data with the given codec. CompressionNone returns
// the input unchanged.
func Compress(data []byte, c types.CompressionType) ([]byte, error) {
	switch c {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case types.CompressionZstd:
		enc, _ := zstdCodecs()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

// Decompress decodes data and verifies the result length against
// originalSize. A length mismatch returns ErrSizeMismatch.
func Decompress(data []byte, c types.CompressionType, originalSize int64) ([]byte, error) {
	var out []byte
	switch c {
	case types.CompressionNone, "":
		out = data
	case types.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip open: %w", err)
		}
		out, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
	case types.CompressionZstd:
		_, dec := zstdCodecs()
		var err error
		out, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}

	if int64(len(out)) != originalSize {
		return nil, fmt.Errorf("%w: got %d, declared %d", ErrSizeMismatch, len(out), originalSize)
	}
	return out, nil
}

// Negotiate picks the codec for a worker. Zstd is used only when the
// worker declared the capability; otherwise the sender falls back to
// gzip and reports fallback=true so callers can record it.
func Negotiate(requested types.CompressionType, workerCaps map[string]string) (c types.CompressionType, fallback bool) {
	if requested != types.CompressionZstd {
		return requested, false
	}
	if workerCaps[types.CapabilityZstd] == "true" {
		return types.CompressionZstd, false
	}
	return types.CompressionGzip, true
}
