package futures

import "context"

// JobHandle is the opaque identifier assigned to a request by the remote
// service at submission time. Its contents are only meaningful to the
// Adapter that produced it.
type JobHandle string

// JobStatus is the state of a request as reported by the remote service.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "QUEUED"
	JobStatusActive   JobStatus = "ACTIVE"
	JobStatusComplete JobStatus = "COMPLETE"
	JobStatusFailed   JobStatus = "FAILED"
)

// JobUpdate is the outcome of a single poll of the remote service.
type JobUpdate struct {
	Status JobStatus
	// Messages contains informational lines emitted by the server since
	// the previous poll of the same handle.
	Messages []string
}

// Result describes the output of a completed request after download.
type Result struct {
	// Path is the local destination the output was written to.
	Path string
	// Href is the remote location the output was fetched from.
	Href string
	// Size is the size of the output in bytes.
	Size int64
	// ContentType is the media type reported by the server.
	ContentType string
}

// Adapter is the interface to the remote job service. Implementations
// must be safe for concurrent use by as many goroutines as the executor
// has workers; one call per worker is in flight at a time.
//
// All methods report remote or transport failures as *AdapterError.
type Adapter interface {
	// Submit hands the request parameters to the remote service and
	// returns the handle it assigned.
	Submit(ctx context.Context, spec map[string]string) (JobHandle, error)

	// Poll reports the current remote state of the request. It must be
	// safe to call repeatedly for the same handle.
	Poll(ctx context.Context, handle JobHandle) (JobUpdate, error)

	// Fetch downloads the output of a completed request to target.
	Fetch(ctx context.Context, handle JobHandle, target string) (*Result, error)

	// Cancel asks the remote service to abort the request. Best-effort:
	// the executor treats a failure as non-fatal.
	Cancel(ctx context.Context, handle JobHandle) error
}
