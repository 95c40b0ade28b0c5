// Package model contains the adapter's domain value types: the records the
// ingest core passes between components. None of these carry behavior beyond
// small, pure helpers — state transitions live in the owning package
// (grouping.Engine, inferstore.Store) rather than on the struct itself.
package model

import "time"

// Instance is one received DICOM object, as recorded at the moment the
// Association Handler finishes writing it to staging.
type Instance struct {
	SOPInstanceUID    string
	SeriesInstanceUID string
	StudyInstanceUID  string
	PatientID         string
	CalledAE          string
	CallingAE         string
	ReceivedAt        time.Time
	FilePath          string
	TransferSyntax    string
}
