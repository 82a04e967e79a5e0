// Package ingest drives the census file pipeline: fetch the blob, bind the
// organisation, parse, stage, then flush staged rows into the versioned
// member tables.
package ingest

import (
	"strings"
	"time"
)

// FileStatus is derived from the timestamp and error columns, never stored.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusInProgress FileStatus = "in-progress"
	StatusCompleted  FileStatus = "completed"
	StatusErrored    FileStatus = "errored"
)

// File is one census file moving through the pipeline. Transitions are
// monotonic: pending, then in-progress once started_at is set, then exactly
// one of completed or errored.
type File struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Name           string     `json:"name"`
	Encoding       string     `json:"encoding,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RawCount       int64      `json:"raw_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Status derives the lifecycle state.
func (f *File) Status() FileStatus {
	switch {
	case f.Error != "":
		return StatusErrored
	case f.CompletedAt != nil:
		return StatusCompleted
	case f.StartedAt != nil:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// Directory returns the leading path segment of the file name, which binds
// the file to the org whose directory_name matches. Empty when the name has
// no directory component.
func (f *File) Directory() string {
	dir, _, found := strings.Cut(f.Name, "/")
	if !found {
		return ""
	}
	return dir
}

// Counts carried through the parse loop before being stamped on the file.
type Counts struct {
	Raw     int64
	Success int64
	Failure int64
}
