// Package inferstore implements the Inference Request Store (spec §4.F): a
// durable FIFO queue of model.InferenceRequest values with random-access
// update by id, validated at enqueue.
package inferstore

import (
	"context"

	"github.com/clarapipe/dicom-adapter/model"
)

// ErrNotFound is returned by Get/Cancel when no request has the given id.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "inferstore: request not found" }

// Store is the durable queue spec §4.F describes, plus the supplemented
// ScanByState (needed by restart recovery and retry re-queueing) and Cancel
// (spec §4.G "a request may be externally cancelled while Queued").
type Store interface {
	// Enqueue validates input and, if valid, persists a new Queued request
	// and returns its id. Invalid input returns the validation messages
	// joined into a single error; nothing is persisted.
	Enqueue(ctx context.Context, input model.InferenceRequestInput) (id string, err error)

	// ClaimNext atomically transitions the oldest Queued request to
	// InProcess and returns it. It returns ErrNotFound if none is queued.
	ClaimNext(ctx context.Context) (model.InferenceRequest, error)

	// Update persists req, which must already exist.
	Update(ctx context.Context, req model.InferenceRequest) error

	// Get returns the request with the given id.
	Get(ctx context.Context, id string) (model.InferenceRequest, error)

	// ScanByState returns every request currently in state, oldest first.
	ScanByState(ctx context.Context, state model.RequestState) ([]model.InferenceRequest, error)

	// Cancel removes a Queued request. It is a no-op error (PolicyReject
	// class) if the request has already left Queued.
	Cancel(ctx context.Context, id string) error
}
