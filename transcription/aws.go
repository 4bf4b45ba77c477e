package transcription

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/aws/smithy-go"
	"github.com/nijaru/vidscribe/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TranscribeAPI is the subset of *transcribe.Client used here.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, params *transcribe.StartTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, params *transcribe.GetTranscriptionJobInput, optFns ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
}

// AWSBackend runs jobs on AWS Transcribe. Job names are the content keys, so
// Transcribe itself rejects duplicates.
type AWSBackend struct {
	api     TranscribeAPI
	media   ObjectStore
	outputs ObjectStore
	logger  *logrus.Entry
}

func NewAWSBackend(api TranscribeAPI, media, outputs ObjectStore, logger *logrus.Logger) *AWSBackend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AWSBackend{
		api:     api,
		media:   media,
		outputs: outputs,
		logger:  logger.WithField("component", "transcription.AWSBackend"),
	}
}

func (b *AWSBackend) EnsureJobStarted(ctx context.Context, key string) error {
	_, err := b.api.StartTranscriptionJob(ctx, &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(key),
		IdentifyLanguage:     aws.Bool(true),
		Media: &types.Media{
			MediaFileUri: aws.String(b.media.URI(key)),
		},
		OutputBucketName: aws.String(b.outputs.Bucket()),
		OutputKey:        aws.String(TranscriptKey(key)),
	})
	if err != nil {
		if isConflict(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to start transcription job %s", key)
	}

	b.logger.WithField("key", key).Info("Transcription job started")
	return nil
}

func (b *AWSBackend) GetJobStatus(ctx context.Context, key string) (models.JobStatus, error) {
	exists, err := b.outputs.Exists(ctx, TranscriptKey(key))
	if err != nil {
		return models.JobStatus{}, err
	}
	if exists {
		return models.Completed(TranscriptKey(key)), nil
	}

	out, err := b.api.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{
		TranscriptionJobName: aws.String(key),
	})
	if err != nil {
		if isJobNotFound(err) {
			return models.JobStatus{State: models.StateNotStarted}, nil
		}
		return models.JobStatus{}, errors.Wrapf(err, "failed to get transcription job %s", key)
	}
	if out.TranscriptionJob == nil {
		return models.JobStatus{State: models.StateNotStarted}, nil
	}

	job := out.TranscriptionJob
	switch job.TranscriptionJobStatus {
	case types.TranscriptionJobStatusFailed:
		reason := aws.ToString(job.FailureReason)
		if reason == "" {
			reason = "transcription job failed"
		}
		return models.Failed(reason), nil
	default:
		// A COMPLETED job whose transcript is not visible yet is still in
		// progress from the caller's point of view.
		state := strings.ToLower(strings.ReplaceAll(string(job.TranscriptionJobStatus), "_", " "))
		status := models.InProgress("Transcription " + state)
		status.BackendState = string(job.TranscriptionJobStatus)
		return status, nil
	}
}

func isConflict(err error) bool {
	var conflict *types.ConflictException
	return errors.As(err, &conflict)
}

func isJobNotFound(err error) bool {
	var nf *types.NotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "BadRequestException" {
		return strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "couldn't be found")
	}
	return false
}
