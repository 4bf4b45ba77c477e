package transcription

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/storage"
	"github.com/sirupsen/logrus"
)

// LanguageDetector guesses the language of transcript text.
type LanguageDetector interface {
	Detect(text string) (string, bool)
}

// Service answers filename lookups: the finished transcript if there is one,
// otherwise the job state, starting a job when none exists.
type Service struct {
	backend  Backend
	outputs  ObjectStore
	detector LanguageDetector
	logger   *logrus.Entry
}

func NewService(backend Backend, outputs ObjectStore, detector LanguageDetector, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		backend:  backend,
		outputs:  outputs,
		detector: detector,
		logger:   logger.WithField("component", "transcription.Service"),
	}
}

func (s *Service) Lookup(ctx context.Context, key string) (*models.TranscriptionResponse, error) {
	const op = "transcription.Lookup"

	data, err := s.outputs.Get(ctx, TranscriptKey(key))
	switch {
	case err == nil:
		return s.completed(key, data), nil
	case !storage.IsNotFound(err):
		return nil, errors.Transient(op, err, "Failed to read transcription")
	}

	status, err := s.backend.GetJobStatus(ctx, key)
	if err != nil {
		return nil, errors.Transient(op, err, "Failed to get transcription status")
	}

	switch status.State {
	case models.StateNotStarted:
		if err := s.backend.EnsureJobStarted(ctx, key); err != nil {
			return nil, errors.Transient(op, err, "Failed to start transcription")
		}
		s.logger.WithField("key", key).Info("Started transcription for lookup")
		return &models.TranscriptionResponse{Status: string(models.StateInProgress)}, nil
	case models.StateCompleted:
		// The transcript appeared between the two reads.
		data, err := s.outputs.Get(ctx, TranscriptKey(key))
		if err != nil {
			return &models.TranscriptionResponse{Status: string(models.StateInProgress)}, nil
		}
		return s.completed(key, data), nil
	case models.StateFailed:
		return &models.TranscriptionResponse{Status: string(status.State), Error: status.LastError}, nil
	default:
		return &models.TranscriptionResponse{Status: lookupState(status)}, nil
	}
}

// lookupState reports the backend's own job status (QUEUED, IN_PROGRESS)
// where it has one. A backend COMPLETED whose transcript is not readable yet
// stays IN_PROGRESS.
func lookupState(status models.JobStatus) string {
	if status.BackendState == "" || status.BackendState == string(models.StateCompleted) {
		return string(status.State)
	}
	return status.BackendState
}

func (s *Service) completed(key string, data []byte) *models.TranscriptionResponse {
	resp := &models.TranscriptionResponse{
		Status:        string(models.StateCompleted),
		Transcription: json.RawMessage(data),
	}

	lang, text := inspectTranscript(data)
	if lang == "" && s.detector != nil && text != "" {
		if detected, ok := s.detector.Detect(text); ok {
			lang = detected
		}
	}
	if lang == "" {
		s.logger.WithField("key", key).Debug("Transcript language unknown")
	}
	resp.Language = lang
	return resp
}

// transcriptDoc covers both the AWS Transcribe output and the Whisper
// verbose JSON.
type transcriptDoc struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Results  struct {
		LanguageCode string `json:"language_code"`
		Transcripts  []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
	} `json:"results"`
}

// inspectTranscript extracts the reported language and the plain text.
func inspectTranscript(data []byte) (lang, text string) {
	var doc transcriptDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", ""
	}

	lang = doc.Results.LanguageCode
	if lang == "" {
		lang = doc.Language
	}

	text = doc.Text
	if text == "" {
		parts := make([]string, 0, len(doc.Results.Transcripts))
		for _, t := range doc.Results.Transcripts {
			parts = append(parts, t.Transcript)
		}
		text = strings.Join(parts, " ")
	}
	return lang, strings.TrimSpace(text)
}
