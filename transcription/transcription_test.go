package transcription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	apperrors "github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/storage"
	openai "github.com/sashabaranov/go-openai"
)

type memStore struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	headErr error
}

func newMemStore(bucket string) *memStore {
	return &memStore{bucket: bucket, objects: map[string][]byte{}}
}

func (m *memStore) Bucket() string        { return m.bucket }
func (m *memStore) URI(key string) string { return "s3://" + m.bucket + "/" + key }

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return false, m.headErr
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (m *memStore) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	data, err := m.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (m *memStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) put(key, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = []byte(data)
}

type fakeTranscribe struct {
	mu      sync.Mutex
	jobs    map[string]*types.TranscriptionJob
	started []*transcribe.StartTranscriptionJobInput
}

func newFakeTranscribe() *fakeTranscribe {
	return &fakeTranscribe{jobs: map[string]*types.TranscriptionJob{}}
}

func (f *fakeTranscribe) StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TranscriptionJobName)
	if _, ok := f.jobs[name]; ok {
		return nil, &types.ConflictException{Message: aws.String("The requested job name already exists.")}
	}
	job := &types.TranscriptionJob{
		TranscriptionJobName:   in.TranscriptionJobName,
		TranscriptionJobStatus: types.TranscriptionJobStatusInProgress,
	}
	f.jobs[name] = job
	f.started = append(f.started, in)
	return &transcribe.StartTranscriptionJobOutput{TranscriptionJob: job}, nil
}

func (f *fakeTranscribe) GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[aws.ToString(in.TranscriptionJobName)]
	if !ok {
		return nil, &types.BadRequestException{Message: aws.String("The requested job couldn't be found. Check the job name and try your request again.")}
	}
	return &transcribe.GetTranscriptionJobOutput{TranscriptionJob: job}, nil
}

func TestAWSBackend(t *testing.T) {
	ctx := context.Background()
	api := newFakeTranscribe()
	media := newMemStore("media")
	outputs := newMemStore("transcripts")
	b := NewAWSBackend(api, media, outputs, nil)

	status, err := b.GetJobStatus(ctx, "abc.mp4")
	if err != nil || status.State != models.StateNotStarted {
		t.Fatalf("before start: %+v, %v", status, err)
	}

	if err := b.EnsureJobStarted(ctx, "abc.mp4"); err != nil {
		t.Fatalf("EnsureJobStarted: %v", err)
	}
	if err := b.EnsureJobStarted(ctx, "abc.mp4"); err != nil {
		t.Fatalf("second EnsureJobStarted should tolerate conflict: %v", err)
	}
	if len(api.started) != 1 {
		t.Fatalf("started %d jobs, want 1", len(api.started))
	}
	in := api.started[0]
	if aws.ToString(in.Media.MediaFileUri) != "s3://media/abc.mp4" {
		t.Errorf("media uri = %s", aws.ToString(in.Media.MediaFileUri))
	}
	if aws.ToString(in.OutputBucketName) != "transcripts" || aws.ToString(in.OutputKey) != "abc.mp4.transcription" {
		t.Errorf("output = %s/%s", aws.ToString(in.OutputBucketName), aws.ToString(in.OutputKey))
	}
	if !aws.ToBool(in.IdentifyLanguage) {
		t.Error("IdentifyLanguage not set")
	}

	status, err = b.GetJobStatus(ctx, "abc.mp4")
	if err != nil || status.State != models.StateInProgress {
		t.Fatalf("running: %+v, %v", status, err)
	}

	outputs.put("abc.mp4.transcription", `{}`)
	status, err = b.GetJobStatus(ctx, "abc.mp4")
	if err != nil || !status.IsCompleted() || status.ArtifactRef != "abc.mp4.transcription" {
		t.Fatalf("completed: %+v, %v", status, err)
	}
}

func TestAWSBackend_FailedJob(t *testing.T) {
	api := newFakeTranscribe()
	api.jobs["bad.mp4"] = &types.TranscriptionJob{
		TranscriptionJobStatus: types.TranscriptionJobStatusFailed,
		FailureReason:          aws.String("Unsupported media format"),
	}
	b := NewAWSBackend(api, newMemStore("media"), newMemStore("transcripts"), nil)

	status, err := b.GetJobStatus(context.Background(), "bad.mp4")
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if !status.IsFailed() || status.LastError != "Unsupported media format" {
		t.Errorf("status = %+v", status)
	}
}

func TestSubmitter(t *testing.T) {
	ctx := context.Background()
	api := newFakeTranscribe()
	outputs := newMemStore("transcripts")
	s := NewSubmitter(NewAWSBackend(api, newMemStore("media"), outputs, nil))
	h := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindTranscription}

	status, err := s.Submit(ctx, h)
	if err != nil || status.State != models.StateInProgress {
		t.Fatalf("first submit: %+v, %v", status, err)
	}
	if len(api.started) != 1 {
		t.Fatalf("started %d jobs, want 1", len(api.started))
	}

	if _, err := s.Submit(ctx, h); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if len(api.started) != 1 {
		t.Errorf("job restarted while in progress")
	}

	outputs.put("abc.mp4.transcription", `{}`)
	status, err = s.Submit(ctx, h)
	if err != nil || status.ArtifactRef != "abc.mp4.transcription" {
		t.Fatalf("final submit: %+v, %v", status, err)
	}
}

func TestSubmitter_StorageErrorIsTransient(t *testing.T) {
	outputs := newMemStore("transcripts")
	outputs.headErr = fmt.Errorf("connection reset")
	s := NewSubmitter(NewAWSBackend(newFakeTranscribe(), newMemStore("media"), outputs, nil))

	_, err := s.Submit(context.Background(), models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindTranscription})
	if !apperrors.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

type fakeDetector struct{ lang string }

func (d fakeDetector) Detect(text string) (string, bool) {
	return d.lang, d.lang != ""
}

func TestService_Lookup(t *testing.T) {
	ctx := context.Background()
	api := newFakeTranscribe()
	outputs := newMemStore("transcripts")
	svc := NewService(NewAWSBackend(api, newMemStore("media"), outputs, nil), outputs, fakeDetector{lang: "fr"}, nil)

	resp, err := svc.Lookup(ctx, "abc.mp4")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resp.Status != string(models.StateInProgress) || len(api.started) != 1 {
		t.Fatalf("first lookup: %+v, started=%d", resp, len(api.started))
	}

	resp, err = svc.Lookup(ctx, "abc.mp4")
	if err != nil || resp.Status != string(models.StateInProgress) {
		t.Fatalf("second lookup: %+v, %v", resp, err)
	}
	if len(api.started) != 1 {
		t.Errorf("lookup started a duplicate job")
	}

	outputs.put("abc.mp4.transcription", `{"results":{"transcripts":[{"transcript":"bonjour tout le monde"}]}}`)
	resp, err = svc.Lookup(ctx, "abc.mp4")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resp.Status != string(models.StateCompleted) || len(resp.Transcription) == 0 {
		t.Fatalf("completed lookup: %+v", resp)
	}
	if resp.Language != "fr" {
		t.Errorf("language = %q, want detected fr", resp.Language)
	}
}

func TestService_LookupReportsBackendState(t *testing.T) {
	tests := []struct {
		name   string
		status types.TranscriptionJobStatus
		want   string
	}{
		{"queued", types.TranscriptionJobStatusQueued, "QUEUED"},
		{"in progress", types.TranscriptionJobStatusInProgress, "IN_PROGRESS"},
		{"completed before transcript is visible", types.TranscriptionJobStatusCompleted, "IN_PROGRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeTranscribe()
			api.jobs["abc.mp4"] = &types.TranscriptionJob{TranscriptionJobStatus: tt.status}
			outputs := newMemStore("transcripts")
			svc := NewService(NewAWSBackend(api, newMemStore("media"), outputs, nil), outputs, nil, nil)

			resp, err := svc.Lookup(context.Background(), "abc.mp4")
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if resp.Status != tt.want {
				t.Errorf("status = %q, want %q", resp.Status, tt.want)
			}
			if len(api.started) != 0 {
				t.Errorf("lookup started a job for an existing one")
			}
		})
	}
}

func TestInspectTranscript(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantLang string
		wantText string
	}{
		{
			name:     "aws",
			data:     `{"results":{"language_code":"en-US","transcripts":[{"transcript":"hello world"}]}}`,
			wantLang: "en-US",
			wantText: "hello world",
		},
		{
			name:     "whisper",
			data:     `{"task":"transcribe","language":"english","text":" hello there "}`,
			wantLang: "english",
			wantText: "hello there",
		},
		{
			name: "invalid",
			data: `nope`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lang, text := inspectTranscript([]byte(tt.data))
			if lang != tt.wantLang || text != tt.wantText {
				t.Errorf("got (%q, %q), want (%q, %q)", lang, text, tt.wantLang, tt.wantText)
			}
		})
	}
}

type fakeWhisper struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	err   error
	seen  []byte
}

func (f *fakeWhisper) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	data, _ := os.ReadFile(req.FilePath)
	f.mu.Lock()
	f.calls++
	f.seen = data
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return openai.AudioResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return openai.AudioResponse{}, f.err
	}
	return openai.AudioResponse{Task: "transcribe", Language: "english", Text: "hello"}, nil
}

func waitForState(t *testing.T, b Backend, key string, want models.JobState) models.JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := b.GetJobStatus(context.Background(), key)
		if err != nil {
			t.Fatalf("GetJobStatus: %v", err)
		}
		if status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", want)
	return models.JobStatus{}
}

func TestWhisperBackend(t *testing.T) {
	ctx := context.Background()
	api := &fakeWhisper{gate: make(chan struct{})}
	media := newMemStore("media")
	media.put("abc.mp4", "video-bytes")
	outputs := newMemStore("transcripts")
	b := NewWhisperBackend(api, media, outputs, WhisperConfig{TempDir: t.TempDir()}, nil)
	defer b.Close()

	if status, _ := b.GetJobStatus(ctx, "abc.mp4"); status.State != models.StateNotStarted {
		t.Fatalf("state = %s, want NOT_STARTED", status.State)
	}

	if err := b.EnsureJobStarted(ctx, "abc.mp4"); err != nil {
		t.Fatalf("EnsureJobStarted: %v", err)
	}
	if err := b.EnsureJobStarted(ctx, "abc.mp4"); err != nil {
		t.Fatalf("EnsureJobStarted: %v", err)
	}
	waitForState(t, b, "abc.mp4", models.StateInProgress)

	close(api.gate)
	status := waitForState(t, b, "abc.mp4", models.StateCompleted)
	if status.ArtifactRef != "abc.mp4.transcription" {
		t.Errorf("artifact = %q", status.ArtifactRef)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.calls != 1 {
		t.Errorf("whisper called %d times, want 1", api.calls)
	}
	if string(api.seen) != "video-bytes" {
		t.Errorf("whisper saw %q", api.seen)
	}
	if _, err := outputs.Get(ctx, "abc.mp4.transcription"); err != nil {
		t.Errorf("transcript not stored: %v", err)
	}
}

func TestWhisperBackend_Failure(t *testing.T) {
	api := &fakeWhisper{err: fmt.Errorf("invalid file format")}
	media := newMemStore("media")
	media.put("abc.mp4", "video-bytes")
	b := NewWhisperBackend(api, media, newMemStore("transcripts"), WhisperConfig{TempDir: t.TempDir()}, nil)
	defer b.Close()

	if err := b.EnsureJobStarted(context.Background(), "abc.mp4"); err != nil {
		t.Fatalf("EnsureJobStarted: %v", err)
	}
	status := waitForState(t, b, "abc.mp4", models.StateFailed)
	if status.LastError == "" {
		t.Error("expected failure reason")
	}
}
