// Package submit is the Job Submitter of spec §4.H: it maps a queued
// InferenceRequest's byte priority and derives a job name, then drives a
// platform.Client through create/upload/start, classifying every failure as
// transient or permanent.
package submit

import "github.com/clarapipe/dicom-adapter/model"

// MapPriority is the total function from spec §4.H: a pure lookup over four
// byte ranges, no branches beyond the documented boundaries.
//
//	0-127:   Lower
//	128:     Normal
//	129-254: Higher
//	255:     Immediate
func MapPriority(b byte) model.Priority {
	switch {
	case b < 128:
		return model.PriorityLower
	case b == 128:
		return model.PriorityNormal
	case b == 255:
		return model.PriorityImmediate
	default:
		return model.PriorityHigher
	}
}
