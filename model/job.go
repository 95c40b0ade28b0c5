package model

import "time"

// Priority is the platform-side job priority, derived from an
// InferenceRequest's byte Priority by submit.MapPriority.
type Priority int

const (
	PriorityLower Priority = iota
	PriorityNormal
	PriorityHigher
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLower:
		return "Lower"
	case PriorityHigher:
		return "Higher"
	case PriorityImmediate:
		return "Immediate"
	default:
		return "Normal"
	}
}

// JobSubmission is the payload submit.Submitter hands to platform.Client.
// It carries everything the platform API needs to accept a job and
// everything the worker needs to correlate the response back to an
// InferenceRequest.
type JobSubmission struct {
	PipelineID  string
	JobName     string
	JobPriority Priority
	Metadata    map[string]string
	PayloadID   string
	SubmittedAt time.Time
}
