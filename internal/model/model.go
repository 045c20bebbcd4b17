// Package model holds the persisted shapes shared across the dispatch core:
// printers and jobs. Neither type owns any behavior beyond simple
// predicates; the state machine lives in store and dispatch.
package model

import "time"

// JobStatus is a job's position in its print lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobUploading JobStatus = "uploading"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Printer is a registered device in the fleet.
type Printer struct {
	ID          int64
	DisplayName string
	HostAddress string
	AccessCode  string
	Serial      string
	CreatedAt   time.Time
}

// Job is a single archive to be printed, possibly on any printer.
type Job struct {
	ID                  int64
	SourceFilename      string
	StoredPath          string
	Status              JobStatus
	Priority            int64
	CreatedAt           time.Time
	CompletedAt         *time.Time
	AssignedPrinterID   *int64
	BedLevelling        bool
	FlowCalibration     bool
	Timelapse           bool
	UseMaterialSystem   bool
	ThumbnailRef        string
	EstimatedDurationS  *int64
}

// AssignedTo reports whether the job is currently bound to printer id.
func (j *Job) AssignedTo(printerID int64) bool {
	return j.AssignedPrinterID != nil && *j.AssignedPrinterID == printerID
}

// InFlight reports whether the job occupies a printer right now. Jobs in
// this state always carry a non-nil AssignedPrinterID.
func (j *Job) InFlight() bool {
	return j.Status == JobUploading || j.Status == JobPrinting
}
