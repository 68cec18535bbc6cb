package models

import "time"

// JobStatus represents the current state of a conversion job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
)

// transitions lists every edge of the job state graph.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusExpired},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ConversionJob is the authoritative record of one conversion request.
type ConversionJob struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"ownerId"`
	OriginalFileName  string     `json:"originalFileName"`
	OriginalSizeBytes int64      `json:"originalSizeBytes"`
	SourceFormat      string     `json:"sourceFormat"`
	TargetFormat      string     `json:"targetFormat"`
	SourceLocation    string     `json:"sourceLocation"`
	ConvertedLocation *string    `json:"convertedLocation,omitempty"`
	Status            JobStatus  `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	ExpiryAt          *time.Time `json:"expiryAt,omitempty"`
	ErrorDetail       *string    `json:"errorDetail,omitempty"`
	CreditsConsumed   int        `json:"creditsConsumed"`
}

// StatusUpdate carries the result fields written together with a transition.
// Fields that do not belong to the target status are cleared by the store.
type StatusUpdate struct {
	ConvertedLocation string
	ExpiryAt          time.Time
	ErrorDetail       string
}

// Apply returns a copy of job moved to status `to` with update applied,
// keeping convertedLocation and expiryAt set only while COMPLETED.
func (j ConversionJob) Apply(to JobStatus, update StatusUpdate, now time.Time) ConversionJob {
	j.Status = to
	j.UpdatedAt = now
	j.ConvertedLocation = nil
	j.ExpiryAt = nil

	switch to {
	case StatusProcessing:
		started := now
		j.StartedAt = &started
	case StatusCompleted:
		loc := update.ConvertedLocation
		expiry := update.ExpiryAt
		j.ConvertedLocation = &loc
		j.ExpiryAt = &expiry
	case StatusFailed:
		detail := update.ErrorDetail
		j.ErrorDetail = &detail
	}
	return j
}

// QueueMessage is the immutable unit of work handed to a worker.
// Workers fetch bytes by SourceLocation; no file data travels on the queue.
type QueueMessage struct {
	JobID          string `json:"jobId"`
	SourceLocation string `json:"sourceLocation"`
	SourceFormat   string `json:"sourceFormat"`
	TargetFormat   string `json:"targetFormat"`
}

// Validate checks that every field a worker needs is present.
func (m QueueMessage) Validate() error {
	switch {
	case m.JobID == "":
		return NewValidationError("jobId", "missing")
	case m.SourceLocation == "":
		return NewValidationError("sourceLocation", "missing")
	case m.SourceFormat == "" || m.TargetFormat == "":
		return NewValidationError("format", "missing")
	}
	return nil
}

// ConversionNotification is published after a job completes and relayed to the owner.
type ConversionNotification struct {
	JobID       string    `json:"jobId"`
	OwnerID     string    `json:"ownerId"`
	FileName    string    `json:"fileName"`
	DownloadRef string    `json:"downloadRef"`
	CompletedAt time.Time `json:"completedAt"`
}
