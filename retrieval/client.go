// Package retrieval implements the DICOM Retrieval Client (spec §4.I): given
// a resource descriptor and a metadata selector, deposit matching instances
// into a directory and report the count and per-instance identifiers.
// Retries below the Client boundary are the backend's concern; the Worker
// (package worker) only ever sees the adapter's own transient/permanent
// error taxonomy.
package retrieval

import (
	"context"

	"github.com/clarapipe/dicom-adapter/model"
)

// Result is what a successful Retrieve call reports back to the Worker.
type Result struct {
	SOPInstanceUIDs []string
}

// Client retrieves the instances identified by metadata from resource into
// destDir, which must already exist and be writable. Every returned error is
// an *errors.KindError of TransientRemote or TransientIO (retryable),
// PermanentRemote/ValidationFailed (not), or Cancelled, per spec §7.
type Client interface {
	Retrieve(ctx context.Context, resource model.Resource, metadata model.InputMetadata, destDir string) (Result, error)
}
