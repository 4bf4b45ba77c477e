package transcription

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sync"
	"time"

	"github.com/nijaru/vidscribe/models"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// WhisperAPI is the subset of *openai.Client used here.
type WhisperAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

type WhisperConfig struct {
	Model   string
	TempDir string
	Timeout time.Duration
}

// WhisperBackend transcribes in-process through the OpenAI audio API and
// writes the verbose JSON result next to the media.
type WhisperBackend struct {
	api     WhisperAPI
	media   ObjectStore
	outputs ObjectStore
	cfg     WhisperConfig
	logger  *logrus.Entry

	mu       sync.Mutex
	running  map[string]bool
	failures map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWhisperBackend(api WhisperAPI, media, outputs ObjectStore, cfg WhisperConfig, logger *logrus.Logger) *WhisperBackend {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WhisperBackend{
		api:      api,
		media:    media,
		outputs:  outputs,
		cfg:      cfg,
		logger:   logger.WithField("component", "transcription.WhisperBackend"),
		running:  make(map[string]bool),
		failures: make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *WhisperBackend) EnsureJobStarted(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.running[key] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	exists, err := b.outputs.Exists(ctx, TranscriptKey(key))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running[key] {
		return nil
	}
	if err := b.ctx.Err(); err != nil {
		return errors.Wrap(err, "whisper backend closed")
	}
	b.running[key] = true
	delete(b.failures, key)

	b.wg.Add(1)
	go b.transcribe(key)

	b.logger.WithField("key", key).Info("Whisper transcription started")
	return nil
}

func (b *WhisperBackend) GetJobStatus(ctx context.Context, key string) (models.JobStatus, error) {
	exists, err := b.outputs.Exists(ctx, TranscriptKey(key))
	if err != nil {
		return models.JobStatus{}, err
	}
	if exists {
		return models.Completed(TranscriptKey(key)), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running[key] {
		return models.InProgress(StartedMessage), nil
	}
	if reason, ok := b.failures[key]; ok {
		return models.Failed(reason), nil
	}
	return models.JobStatus{State: models.StateNotStarted}, nil
}

// Close cancels running transcriptions and waits for them to exit.
func (b *WhisperBackend) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *WhisperBackend) transcribe(key string) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	logger := b.logger.WithField("key", key)
	start := time.Now()

	err := b.run(ctx, key)

	b.mu.Lock()
	delete(b.running, key)
	if err != nil {
		b.failures[key] = err.Error()
	}
	b.mu.Unlock()

	if err != nil {
		logger.WithError(err).Error("Whisper transcription failed")
		return
	}
	logger.WithField("duration", time.Since(start).String()).Info("Whisper transcription completed")
}

func (b *WhisperBackend) run(ctx context.Context, key string) error {
	if err := os.MkdirAll(b.cfg.TempDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create temp dir")
	}
	f, err := os.CreateTemp(b.cfg.TempDir, "media-*"+path.Ext(key))
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(f.Name())

	_, err = b.media.Download(ctx, key, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", key)
	}

	resp, err := b.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.cfg.Model,
		FilePath: f.Name(),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return errors.Wrap(err, "whisper request failed")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "failed to encode transcript")
	}
	if err := b.outputs.PutBytes(ctx, TranscriptKey(key), data, transcriptContentType); err != nil {
		return err
	}
	return nil
}
