// Package api exposes the conversion pipeline over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"fileconverter/converter"
	"fileconverter/models"
)

type Submitter interface {
	Submit(ctx context.Context, ownerID string, data []byte, fileName, targetFormat string) (string, error)
	Get(ctx context.Context, ownerID, jobID string) (*models.ConversionJob, error)
	List(ctx context.Context, ownerID string, limit int) ([]models.ConversionJob, error)
	Delete(ctx context.Context, ownerID, jobID string) error
	DownloadURL(ctx context.Context, ownerID, jobID string) (string, time.Time, error)
}

type FormatLister interface {
	Pairs() []converter.Pair
}

type Handler struct {
	conversions Submitter
	formats     FormatLister
	validator   *validator.Validate
	maxUpload   int64
}

func NewHandler(conversions Submitter, formats FormatLister, maxUploadMB int64) *Handler {
	return &Handler{
		conversions: conversions,
		formats:     formats,
		validator:   validator.New(),
		maxUpload:   maxUploadMB << 20,
	}
}

type createParams struct {
	FileName     string `validate:"required,max=255"`
	TargetFormat string `validate:"required,alphanum,max=10"`
}

type listParams struct {
	Limit int `validate:"gte=0,lte=100"`
}

type submitResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

type downloadResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateConversion accepts a multipart upload with a "file" part and a
// "targetFormat" field.
func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	// Multipart framing needs headroom over the raw file limit.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := r.FormFile("file")
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeJSONError(w, `missing file: form field key should be "file"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeMultipartError(w, err)
		return
	}

	params := createParams{
		FileName:     fileNameFor(fh.Filename, data),
		TargetFormat: strings.TrimPrefix(strings.TrimSpace(r.FormValue("targetFormat")), "."),
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "invalid request", Fields: validationErrorsToMap(err)})
		return
	}

	id, err := h.conversions.Submit(r.Context(), ownerFrom(r.Context()), data, params.FileName, params.TargetFormat)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/conversions/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: models.StatusPending})
}

func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	params := listParams{Limit: parseIntDefault(r.URL.Query().Get("limit"), 0)}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "invalid request", Fields: validationErrorsToMap(err)})
		return
	}

	jobs, err := h.conversions.List(r.Context(), ownerFrom(r.Context()), params.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.ConversionJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversions": jobs})
}

func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	job, err := h.conversions.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) DeleteConversion(w http.ResponseWriter, r *http.Request) {
	if err := h.conversions.Delete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DownloadConversion(w http.ResponseWriter, r *http.Request) {
	url, expires, err := h.conversions.DownloadURL(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if r.URL.Query().Get("redirect") == "1" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{URL: url, ExpiresAt: expires})
}

func (h *Handler) ListFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"formats": h.formats.Pairs()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fileNameFor keeps the client's file name, adding the detected extension
// when the name has none.
func fileNameFor(name string, data []byte) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		name = ""
	}
	if filepath.Ext(name) != "" {
		return name
	}
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		if name == "" {
			name = "upload"
		}
		return name + ext
	}
	return name
}
