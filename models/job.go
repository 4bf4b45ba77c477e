package models

import (
	"fmt"
	"strings"
	"time"
)

type JobKind string

const (
	KindConversion    JobKind = "conversion"
	KindTranscription JobKind = "transcription"
)

func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindConversion:
		return KindConversion, nil
	case KindTranscription:
		return KindTranscription, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// JobHandle identifies one outstanding unit of external work.
type JobHandle struct {
	ContentKey string  `json:"content_key"`
	Kind       JobKind `json:"kind"`
}

func (h JobHandle) Validate() error {
	if strings.TrimSpace(h.ContentKey) == "" {
		return fmt.Errorf("content key is required")
	}
	if _, err := ParseJobKind(string(h.Kind)); err != nil {
		return err
	}
	return nil
}

func (h JobHandle) String() string {
	return string(h.Kind) + ":" + h.ContentKey
}

type JobState string

const (
	StateNotStarted JobState = "NOT_STARTED"
	StateInProgress JobState = "IN_PROGRESS"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
)

func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobStatus is a poller's view of a handle's progress. ArtifactRef is only
// set when State is COMPLETED. BackendState carries the external service's
// own status name when it has a finer one than State, such as QUEUED.
type JobStatus struct {
	State        JobState  `json:"state"`
	BackendState string    `json:"backend_state,omitempty"`
	ArtifactRef  string    `json:"artifact_ref,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Message      string    `json:"message,omitempty"`
	Attempts     int       `json:"attempts"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s JobStatus) IsCompleted() bool { return s.State == StateCompleted }
func (s JobStatus) IsFailed() bool    { return s.State == StateFailed }

// Completed builds the status a submitter returns once the artifact exists.
func Completed(artifactRef string) JobStatus {
	return JobStatus{State: StateCompleted, ArtifactRef: artifactRef}
}

func InProgress(message string) JobStatus {
	return JobStatus{State: StateInProgress, Message: message}
}

func Failed(reason string) JobStatus {
	return JobStatus{State: StateFailed, LastError: reason}
}

// JobRecord is the persisted form of a handle's last known status.
type JobRecord struct {
	Handle    JobHandle
	Status    JobStatus
	CreatedAt time.Time
}
