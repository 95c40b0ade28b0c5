package submit

import (
	"context"
	"errors"
	"fmt"
	"net"

	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/model"
	"github.com/clarapipe/dicom-adapter/platform"
)

// Submitter drives a platform.Client through the create/upload/start
// sequence for one model.JobSubmission.
type Submitter struct {
	Client platform.Client
}

// New wraps client.
func New(client platform.Client) *Submitter {
	return &Submitter{Client: client}
}

// Submit creates a job, uploads payloadDir's contents, and starts it. Every
// returned error is an *errors.KindError of TransientRemote,
// PermanentRemote or Cancelled, classified via classify rather than string
// inspection.
func (s *Submitter) Submit(ctx context.Context, job model.JobSubmission, payloadDir string) error {
	_, _, err := s.SubmitWithIDs(ctx, job, payloadDir)
	return err
}

// SubmitWithIDs behaves like Submit but also returns the platform-assigned
// job and payload ids, which the Inference Request Worker records on its
// request (spec §4.G step 4: "record job_id, payload_id").
func (s *Submitter) SubmitWithIDs(ctx context.Context, job model.JobSubmission, payloadDir string) (jobID, payloadID string, err error) {
	jobID, err = s.Client.CreateJob(ctx, job.PipelineID, job.JobName, int(job.JobPriority), job.Metadata)
	if err != nil {
		return "", "", classify(err)
	}

	payloadID, err = s.Client.UploadPayload(ctx, jobID, payloadDir)
	if err != nil {
		return "", "", classify(err)
	}

	if err := s.Client.StartJob(ctx, jobID); err != nil {
		return "", "", classify(err)
	}

	return jobID, payloadID, nil
}

// classify maps a platform.Client failure onto the adapter's error taxonomy:
// 5xx/timeout/network failures are retryable (TransientRemote), 4xx and
// malformed responses are not (PermanentRemote), per spec §4.H's explicit
// allowlist rather than string matching.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &adapterrrors.KindError{Kind: adapterrrors.KindCancelled, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: err}
	}

	var statusErr *platform.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 {
			return &adapterrrors.KindError{Kind: adapterrrors.KindTransientRemote, Err: err}
		}
		return &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: err}
	}

	return &adapterrrors.KindError{Kind: adapterrrors.KindPermanentRemote, Err: fmt.Errorf("submit: unclassified platform error: %w", err)}
}
