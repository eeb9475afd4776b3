package models

import "time"

// Job represents a download-and-package request tracked through its lifecycle
type Job struct {
	ID         string
	Status     JobStatus
	Progress   int // 0 - 100, non-decreasing within one execution
	Step       string
	Error      *string // Set only when Status is failed
	Input      JobInput
	Result     *JobResult // Set only when Status is succeeded
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled" // Reserved; no code path enters it
)

// TerminalStatuses lists every status a job never leaves
var TerminalStatuses = []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled}

// IsTerminal reports whether the status is final
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsFailure reports whether observers should treat the status as a failure
func (s JobStatus) IsFailure() bool {
	return s == JobStatusFailed || s == JobStatusCanceled
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// MediaType is the kind of media a job downloads
type MediaType string

const (
	MediaTypeTrack    MediaType = "track"
	MediaTypeAlbum    MediaType = "album"
	MediaTypePlaylist MediaType = "playlist"
)

// MultiItem reports whether the media expands to more than one downloadable item
func (m MediaType) MultiItem() bool {
	return m == MediaTypeAlbum || m == MediaTypePlaylist
}

// Source identifies what to download and from which service
type Source struct {
	Service string    `json:"service" validate:"required"`
	ID      string    `json:"id" validate:"required_unless=Type playlist"`
	Type    MediaType `json:"type" validate:"required,oneof=track album playlist"`
	Album   string    `json:"album,omitempty"`
}

// JobOptions tunes a download
type JobOptions struct {
	AlbumName string `json:"album_name,omitempty"`
	Quality   string `json:"quality,omitempty"`

	// Queries lists "artist - title" lookups for a playlist job
	Queries []string `json:"queries,omitempty" validate:"omitempty,max=500,dive,required"`
}

// JobInput is the immutable request a job was created with
type JobInput struct {
	Source  Source     `json:"source" validate:"required"`
	Options JobOptions `json:"options"`
}

// ResultFile is one downloadable artifact in a job manifest
type ResultFile struct {
	Name     string `json:"name"`     // Display name
	Filename string `json:"filename"` // Artifact store key
}

// JobResult is the manifest of a succeeded job
type JobResult struct {
	Files   []ResultFile  `json:"files"`
	Queries []QueryResult `json:"queries,omitempty"` // Playlist jobs only
}

// Playlist query outcomes
const (
	QueryStatusSuccess  = "success"
	QueryStatusNotFound = "not found"
	QueryStatusError    = "error"
)

// QueryResult is the outcome of one playlist query
type QueryResult struct {
	Query   string `json:"query"`
	Status  string `json:"status"`
	TrackID string `json:"track_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobUpdate is a partial update applied to a job. Nil fields are left unchanged.
type JobUpdate struct {
	Status     *JobStatus
	Progress   *int
	Step       *string
	Error      *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	Status        *JobStatus
	StartedBefore *time.Time
	Limit         int
}
