package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/middleware"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/utils"
	"github.com/nijaru/vidscribe/validation"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartJob starts or joins the poll session for a handle. It answers 202
// while the job is running and 200 once it is terminal.
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.StartJob"

	if err := h.validator.ValidateRequest(r, validation.RequestValidationOpts{
		MaxContentLength: maxJSONBody,
		RequireJSON:      true,
	}); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	var req models.JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		utils.RespondWithError(w, r, errors.InvalidInput(op, err, "Invalid request body"))
		return
	}

	handle, err := h.parseHandle(req.Kind, req.ContentKey)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	s, err := h.deps.Sessions.Start(r.Context(), handle, req.ArtifactRef)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	ps, st := s.Status()
	middleware.GetLogger(r.Context()).WithFields(logrus.Fields{
		"handle":     handle.String(),
		"poll_state": ps,
	}).Info("Job session requested")

	code := http.StatusAccepted
	if st.State.IsTerminal() {
		code = http.StatusOK
	}
	utils.RespondWithJSON(w, r, code, models.NewJobResponse(handle, ps, st))
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	handle, err := h.parseHandle(r.PathValue("kind"), r.PathValue("key"))
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	ps, st, err := h.deps.Sessions.Lookup(r.Context(), handle)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, r, http.StatusOK, models.NewJobResponse(handle, ps, st))
}

// StopJob tears down the live session for a handle. The stored status is
// kept.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.StopJob"

	handle, err := h.parseHandle(r.PathValue("kind"), r.PathValue("key"))
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	if !h.deps.Sessions.Stop(handle) {
		utils.RespondWithError(w, r, errors.NotFound(op, nil, "No active session for job"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListJobs returns stored jobs in one state, IN_PROGRESS by default.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.ListJobs"

	state := models.StateInProgress
	if v := r.URL.Query().Get("state"); v != "" {
		state = models.JobState(v)
		switch state {
		case models.StateNotStarted, models.StateInProgress, models.StateCompleted, models.StateFailed:
		default:
			utils.RespondWithError(w, r, errors.InvalidInput(op, nil, "Unknown job state"))
			return
		}
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, r, errors.InvalidInput(op, err, "Invalid limit"))
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.deps.Jobs.ListByState(r.Context(), state, limit)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	jobs := make([]*models.JobResponse, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, models.NewJobResponse(rec.Handle, "", rec.Status))
	}
	utils.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handler) parseHandle(kind, key string) (models.JobHandle, error) {
	const op = "handlers.parseHandle"

	k, err := models.ParseJobKind(kind)
	if err != nil {
		return models.JobHandle{}, errors.InvalidInput(op, err, err.Error())
	}
	if err := h.validator.ValidateContentKey(key); err != nil {
		return models.JobHandle{}, err
	}
	return models.JobHandle{ContentKey: key, Kind: k}, nil
}
