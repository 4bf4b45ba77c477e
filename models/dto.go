package models

import "encoding/json"

// PollState is the machine state of a poll session.
type PollState string

const (
	PollIdle      PollState = "IDLE"
	PollPolling   PollState = "POLLING"
	PollCompleted PollState = "COMPLETED"
	PollFailed    PollState = "FAILED"
)

// JobRequest starts or joins a poll session.
type JobRequest struct {
	Kind        string `json:"kind"`
	ContentKey  string `json:"content_key"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// JobResponse is the snapshot returned to the result presenter.
type JobResponse struct {
	Kind        JobKind   `json:"kind"`
	ContentKey  string    `json:"content_key"`
	PollState   PollState `json:"poll_state,omitempty"`
	State       JobState  `json:"state"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Message     string    `json:"message,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
}

func NewJobResponse(h JobHandle, ps PollState, s JobStatus) *JobResponse {
	return &JobResponse{
		Kind:        h.Kind,
		ContentKey:  h.ContentKey,
		PollState:   ps,
		State:       s.State,
		ArtifactRef: s.ArtifactRef,
		Message:     s.Message,
		LastError:   s.LastError,
		Attempts:    s.Attempts,
	}
}

// ResultResponse mirrors the anime-result page contract.
type ResultResponse struct {
	Original   string `json:"original"`
	Anime      string `json:"anime,omitempty"`
	S3Key      string `json:"s3_key,omitempty"`
	Converting bool   `json:"converting"`
	Message    string `json:"message,omitempty"`
}

// UploadResponse is returned by the upload endpoint.
type UploadResponse struct {
	Name    string `json:"name"`
	Ext     string `json:"ext"`
	NewName string `json:"newName"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

// TranscriptionResponse keeps the filename lookup contract.
type TranscriptionResponse struct {
	Status        string          `json:"status"`
	Transcription json.RawMessage `json:"transcription,omitempty"`
	Language      string          `json:"language,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type ConvertRequest struct {
	VideoURL string `json:"videoUrl"`
}

type ConvertResponse struct {
	ConvertedVideoURL string `json:"converted_video_url"`
}
