package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/nijaru/vidscribe/config"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/poller"
	"github.com/nijaru/vidscribe/storage"
	"github.com/nijaru/vidscribe/utils"
	"github.com/nijaru/vidscribe/validation"
)

const maxJSONBody = 1 << 20

type Uploader interface {
	Upload(ctx context.Context, in storage.UploadInput) error
	PublicURL(key string) string
}

type TranscriptLookup interface {
	Lookup(ctx context.Context, key string) (*models.TranscriptionResponse, error)
}

type Converter interface {
	Convert(ctx context.Context, key string) (models.JobStatus, error)
}

// Sessions is the poll session registry.
type Sessions interface {
	Start(ctx context.Context, h models.JobHandle, knownArtifact string) (*poller.Session, error)
	Lookup(ctx context.Context, h models.JobHandle) (models.PollState, models.JobStatus, error)
	Stop(h models.JobHandle) bool
	Len() int
}

type JobLister interface {
	ListByState(ctx context.Context, state models.JobState, limit int) ([]*models.JobRecord, error)
}

type Deps struct {
	Uploads     Uploader
	Transcripts TranscriptLookup
	Converter   Converter
	Sessions    Sessions
	Jobs        JobLister
}

type Handler struct {
	cfg       *config.Config
	validator *validation.Validator
	deps      Deps
	now       func() time.Time
}

func New(cfg *config.Config, deps Deps) *Handler {
	return &Handler{
		cfg:       cfg,
		validator: validation.NewValidator(cfg.Upload),
		deps:      deps,
		now:       time.Now,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/upload", h.Upload)
	mux.HandleFunc("GET /api/transcribe", h.Transcribe)
	mux.HandleFunc("GET /api/result", h.Result)
	mux.HandleFunc("POST /api/anime", h.Anime)

	mux.HandleFunc("POST /api/jobs", h.StartJob)
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/{kind}/{key}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{kind}/{key}", h.StopJob)

	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"version":   h.cfg.Version,
		"sessions":  h.deps.Sessions.Len(),
	})
}
