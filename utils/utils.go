package utils

import (
	"encoding/json"
	"net/http"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/logger"
	"github.com/sirupsen/logrus"
)

const retryAfterSeconds = "5"

// RespondWithError writes err as {"error": message}, adding the request ID
// when the request has one. Errors that are not an *errors.AppError become a
// generic 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		appErr = errors.Internal("", err, "Internal server error")
	}

	entry := logger.FromContext(r.Context()).WithFields(logrus.Fields{
		"status_code": appErr.Code,
		"op":          appErr.Op,
	})
	if appErr.Code >= http.StatusInternalServerError {
		entry.WithError(appErr).Error("Request failed")
	} else {
		entry.WithError(appErr).Info("Request rejected")
	}

	if errors.IsTransient(appErr) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	body := map[string]string{"error": appErr.Message}
	if id := logger.RequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	RespondWithJSON(w, r, appErr.Code, body)
}

func RespondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode JSON response")
	}
}
