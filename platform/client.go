// Package platform defines the external collaborator boundary spec §6
// names but does not own: the inference platform that accepts submitted
// jobs. The adapter only needs the three calls below; anything past that
// (job scheduling, execution, result delivery) belongs to the platform
// itself.
package platform

import "context"

// MaxJobNameLength bounds submit.JobName's output, matching whatever limit
// the platform's job-name field enforces.
const MaxJobNameLength = 255

// Client is the platform-side collaborator submit.Submitter drives.
type Client interface {
	// CreateJob registers a new job for pipelineID under jobName, returning
	// a platform-assigned job id.
	CreateJob(ctx context.Context, pipelineID, jobName string, priority int, metadata map[string]string) (jobID string, err error)
	// UploadPayload attaches the staged files at payloadDir to jobID,
	// returning a platform-assigned payload id.
	UploadPayload(ctx context.Context, jobID, payloadDir string) (payloadID string, err error)
	// StartJob signals the platform that jobID's payload is complete and the
	// job may begin execution.
	StartJob(ctx context.Context, jobID string) error
}

// StatusError is returned by an HTTPClient call that completed but the
// platform responded with a non-2xx status. submit classifies it into
// errors.TransientRemote (5xx) or errors.PermanentRemote (4xx) — no other
// part of the adapter inspects StatusCode directly.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "platform: unexpected status " + httpStatusText(e.StatusCode) + ": " + e.Body
}

func httpStatusText(code int) string {
	switch {
	case code >= 500:
		return "server error"
	case code >= 400:
		return "client error"
	default:
		return "unexpected"
	}
}
