package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/drovekit/drover/pkg/types"
)

// ChunkSize is the raw window each ArtifactChunk covers. Content is cut
// at this boundary before compression.
const ChunkSize = 64 * 1024

// Chunk ordering violations. Receiving any of these conditions on a
// live session terminates it.
var (
	ErrChunkGap       = fmt.Errorf("protocol: artifact chunk sequence gap")
	ErrChunkAfterLast = fmt.Errorf("protocol: artifact chunk received after isLast")
	ErrMissingLast    = fmt.Errorf("protocol: artifact stream ended without isLast")
)

// Chunker cuts an artifact of known size into ordered ArtifactChunks.
// Each window is compressed independently; OriginalSize carries the
// window's raw length so the receiver can verify decompression.
type Chunker struct {
	artifactID  string
	r           io.Reader
	compression types.CompressionType
	chunkSize   int
	remaining   int64
	seq         int
	done        bool
}

// NewChunker returns a Chunker over r, which must yield exactly size
// bytes. chunkSize <= 0 uses ChunkSize.
func NewChunker(artifactID string, r io.Reader, size int64, compression types.CompressionType, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &Chunker{
		artifactID:  artifactID,
		r:           r,
		compression: compression,
		chunkSize:   chunkSize,
		remaining:   size,
	}
}

// Next returns the next chunk, or io.EOF after the isLast chunk has
// been produced. An empty artifact yields a single empty isLast chunk.
func (c *Chunker) Next() (*ArtifactChunk, error) {
	if c.done {
		return nil, io.EOF
	}

	want := int64(c.chunkSize)
	if c.remaining < want {
		want = c.remaining
	}
	window := make([]byte, want)
	if want > 0 {
		if _, err := io.ReadFull(c.r, window); err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", c.artifactID, err)
		}
	}
	c.remaining -= want
	last := c.remaining == 0

	data, err := Compress(window, c.compression)
	if err != nil {
		return nil, fmt.Errorf("compress artifact %s chunk %d: %w", c.artifactID, c.seq, err)
	}

	chunk := &ArtifactChunk{
		ArtifactID:   c.artifactID,
		Sequence:     c.seq,
		Data:         data,
		IsLast:       last,
		Compression:  c.compression,
		OriginalSize: want,
	}
	c.seq++
	c.done = last
	return chunk, nil
}

// ChunkCount returns how many chunks a blob of size bytes produces with
// the given window. Zero-size blobs still produce one (empty) chunk.
func ChunkCount(size int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	if size <= 0 {
		return 1
	}
	n := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		n++
	}
	return n
}

// Assembler rebuilds an artifact from ordered chunks, enforcing the
// protocol's ordering rules: strictly increasing sequence from zero and
// exactly one isLast.
type Assembler struct {
	artifactID string
	nextSeq    int
	complete   bool
	buf        []byte
}

// NewAssembler returns an Assembler for one artifact transfer.
func NewAssembler(artifactID string) *Assembler {
	return &Assembler{artifactID: artifactID}
}

// Add validates and applies one chunk. Out-of-order sequences, gaps,
// and chunks after isLast are protocol errors.
func (a *Assembler) Add(chunk *ArtifactChunk) error {
	if chunk.ArtifactID != a.artifactID {
		return fmt.Errorf("protocol: chunk for artifact %s on transfer %s", chunk.ArtifactID, a.artifactID)
	}
	if a.complete {
		return fmt.Errorf("%w: artifact %s sequence %d", ErrChunkAfterLast, a.artifactID, chunk.Sequence)
	}
	if chunk.Sequence != a.nextSeq {
		return fmt.Errorf("%w: artifact %s got %d, want %d", ErrChunkGap, a.artifactID, chunk.Sequence, a.nextSeq)
	}

	raw, err := Decompress(chunk.Data, chunk.Compression, chunk.OriginalSize)
	if err != nil {
		return fmt.Errorf("artifact %s chunk %d: %w", a.artifactID, chunk.Sequence, err)
	}

	a.buf = append(a.buf, raw...)
	a.nextSeq++
	if chunk.IsLast {
		a.complete = true
	}
	return nil
}

// Complete reports whether the isLast chunk has been applied.
func (a *Assembler) Complete() bool { return a.complete }

// Bytes returns the assembled content. Valid only once Complete.
func (a *Assembler) Bytes() []byte { return a.buf }

// Size returns the assembled byte count so far.
func (a *Assembler) Size() int64 { return int64(len(a.buf)) }

// Checksum returns the hex SHA-256 of the assembled content.
func (a *Assembler) Checksum() string {
	sum := sha256.Sum256(a.buf)
	return hex.EncodeToString(sum[:])
}
