/*
Package artifact provides the orchestrator-side content store for job
artifacts.

Blobs live on disk addressed by the hex SHA-256 of their content;
metadata (name, size, checksum, compression hint) is indexed through
the persistence layer. Because the artifact ID equals its checksum,
identical uploads deduplicate and transfers are verifiable end to end.

# Layout

	<dataDir>/artifacts/<sha256-hex>    raw blob bytes
	<dataDir>/drover.db                 metadata (artifacts bucket)

Blobs are stored uncompressed. The compression hint on the metadata
records the preferred transfer codec; the actual codec is negotiated
per worker during staging.

# Usage

	cs, err := artifact.NewContentStore(dataDir, st)
	if err != nil {
		return err
	}

	// Upload
	a, err := cs.Put("build-cache.tar", types.CompressionZstd, file)

	// Stream to a worker
	rc, size, err := cs.Open(a.ID)
	defer rc.Close()

# Integration Points

  - pkg/hub: opens blobs during artifact staging and chunks them
  - pkg/api: POST /v1/artifacts uploads through Put
  - pkg/store: metadata index
  - pkg/worker: the worker-side cache mirrors the same addressing
*/
package artifact
