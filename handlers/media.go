package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/middleware"
	"github.com/nijaru/vidscribe/models"
	"github.com/nijaru/vidscribe/storage"
	"github.com/nijaru/vidscribe/utils"
	"github.com/nijaru/vidscribe/validation"
	"github.com/sirupsen/logrus"
)

const multipartMemory = 32 << 20

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// Upload stores the multipart "file" field under a fresh unique key.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.Upload"
	logger := middleware.GetLogger(r.Context())

	if limit := h.cfg.Upload.MaxFileSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.RespondWithError(w, r, errors.InvalidInput(op, err, "File too large"))
			return
		}
		utils.RespondWithError(w, r, errors.InvalidInput(op, err, "Invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondWithError(w, r, errors.InvalidInput(op, err, "File is required"))
		return
	}
	defer file.Close()

	if err := h.validator.ValidateUpload(header.Filename, header.Size); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	id, ext, newName := storage.NewObjectKey(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	err = h.deps.Uploads.Upload(r.Context(), storage.UploadInput{
		Key:         newName,
		Body:        file,
		Size:        header.Size,
		ContentType: contentType,
		PublicRead:  h.cfg.Upload.PublicRead,
	})
	if err != nil {
		utils.RespondWithError(w, r, errors.Internal(op, err, "Failed to upload file"))
		return
	}

	logger.WithFields(logrus.Fields{
		"name":     header.Filename,
		"new_name": newName,
		"size":     header.Size,
	}).Info("File uploaded")

	utils.RespondWithJSON(w, r, http.StatusOK, models.UploadResponse{
		Name:    header.Filename,
		Ext:     ext,
		NewName: newName,
		ID:      id,
		URL:     h.deps.Uploads.PublicURL(newName),
	})
}

// Transcribe answers GET /api/transcribe?filename=<key>.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("filename")
	if err := h.validator.ValidateContentKey(key); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	resp, err := h.deps.Transcripts.Lookup(r.Context(), key)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Result backs the conversion result page. A known converted URL is echoed
// back without polling; otherwise the conversion session for the key is
// started or joined and its current state returned.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	original := q.Get("original")
	anime := q.Get("anime")
	key := q.Get("s3_key")

	if key == "" && original != "" {
		key = validation.KeyFromURL(original)
	}

	if anime != "" {
		utils.RespondWithJSON(w, r, http.StatusOK, models.ResultResponse{
			Original: original,
			Anime:    anime,
			S3Key:    key,
		})
		return
	}

	if err := h.validator.ValidateContentKey(key); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	handle := models.JobHandle{ContentKey: key, Kind: models.KindConversion}
	s, err := h.deps.Sessions.Start(r.Context(), handle, "")
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	ps, st := s.Status()
	resp := models.ResultResponse{Original: original, S3Key: key}
	switch ps {
	case models.PollCompleted:
		resp.Anime = st.ArtifactRef
	case models.PollFailed:
		resp.Message = st.LastError
	default:
		resp.Converting = true
		resp.Message = st.Message
	}
	utils.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Anime runs one synchronous conversion request for a media URL.
func (h *Handler) Anime(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.Anime"

	var req models.ConvertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		utils.RespondWithError(w, r, errors.InvalidInput(op, err, "Invalid request body"))
		return
	}
	if req.VideoURL == "" {
		utils.RespondWithError(w, r, errors.InvalidInput(op, nil, "No video URL provided"))
		return
	}
	if err := h.validator.ValidateMediaURL(req.VideoURL); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	key := validation.KeyFromURL(req.VideoURL)
	if err := h.validator.ValidateContentKey(key); err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	status, err := h.deps.Converter.Convert(r.Context(), key)
	if err != nil {
		utils.RespondWithError(w, r, err)
		return
	}

	if status.IsCompleted() {
		utils.RespondWithJSON(w, r, http.StatusOK, models.ConvertResponse{ConvertedVideoURL: status.ArtifactRef})
		return
	}
	utils.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{"status": "processing"})
}

func contentTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
