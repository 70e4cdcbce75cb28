package errors

// Code categorizes a StoreError for programmatic handling, mirroring the
// Ok | Timeout | Io outcome enum spec.md §6 defines for every Core API call.
type Code string

const (
	// CodeIO covers failures in the underlying storage device: segment
	// read/write errors, fsync failures, truncation failures.
	CodeIO Code = "IO_ERROR"

	// CodeTimeout means a call's context deadline elapsed before it could
	// complete; spec.md §5 guarantees no partial index mutation occurred.
	CodeTimeout Code = "TIMEOUT"

	// CodeNotFound means read found no live (non-tombstoned) record for key.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidInput covers malformed configuration or arguments — a
	// non-power-of-two page size, a zero-length key, and similar.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeCorrupted means a checksum or structural check on a checkpoint
	// descriptor, shard, or log record failed.
	CodeCorrupted Code = "CORRUPTED"

	// CodeClosed means a call was made against a Store after Close.
	CodeClosed Code = "CLOSED"

	// CodeInternal covers failures that don't fit any of the above.
	CodeInternal Code = "INTERNAL"
)
