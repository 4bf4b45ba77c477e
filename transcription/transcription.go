package transcription

import (
	"context"
	"io"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
)

const (
	transcriptSuffix      = ".transcription"
	transcriptContentType = "application/json"

	StartedMessage = "Transcribing..."
)

// Backend is a transcription provider. GetJobStatus never starts work;
// EnsureJobStarted starts it at most once per key.
type Backend interface {
	EnsureJobStarted(ctx context.Context, key string) error
	GetJobStatus(ctx context.Context, key string) (models.JobStatus, error)
}

// ObjectStore is the part of storage.Client the backends need.
type ObjectStore interface {
	Bucket() string
	URI(key string) string
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Download(ctx context.Context, key string, w io.Writer) (int64, error)
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
}

// TranscriptKey is where the finished transcript for key is stored.
func TranscriptKey(key string) string {
	return key + transcriptSuffix
}

// Submitter drives a Backend from the poller: it reads the job status and
// starts the job when there is none yet.
type Submitter struct {
	backend Backend
}

func NewSubmitter(backend Backend) *Submitter {
	return &Submitter{backend: backend}
}

func (s *Submitter) Submit(ctx context.Context, h models.JobHandle) (models.JobStatus, error) {
	const op = "transcription.Submit"

	status, err := s.backend.GetJobStatus(ctx, h.ContentKey)
	if err != nil {
		return models.JobStatus{}, errors.Transient(op, err, "Failed to get transcription status")
	}
	if status.State != models.StateNotStarted {
		return status, nil
	}

	if err := s.backend.EnsureJobStarted(ctx, h.ContentKey); err != nil {
		return models.JobStatus{}, errors.Transient(op, err, "Failed to start transcription")
	}
	return models.InProgress(StartedMessage), nil
}
