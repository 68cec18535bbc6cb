package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"fileconverter/models"
)

type APIError struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, APIError{Error: message})
}

// writeServiceError maps a service error onto its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("[API] Internal error: %v", err)
		writeJSONError(w, "internal error", code)
		return
	}
	writeJSONError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrUnsupportedConversion):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrJobBusy), errors.Is(err, models.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrTransientDelivery):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	msg := strings.ToLower(err.Error())

	switch {
	case errors.As(err, &tooLarge), strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	case strings.Contains(msg, "isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)
	default:
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	}
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			switch e.Tag() {
			case "required":
				errs[e.Field()] = "is required"
			case "max":
				errs[e.Field()] = "exceeds maximum length"
			case "gte", "lte":
				errs[e.Field()] = "out of allowed range"
			default:
				errs[e.Field()] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
