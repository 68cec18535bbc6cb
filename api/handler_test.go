package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fileconverter/config"
	"fileconverter/converter"
	"fileconverter/models"
	"fileconverter/ratelimit"
	"fileconverter/submission"
	"fileconverter/testutil"
)

type fixture struct {
	router   http.Handler
	jobs     *testutil.MemoryJobStore
	objects  *testutil.MemoryObjectStore
	queue    *testutil.MemoryQueue
	accounts *testutil.MemoryAccounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry, err := converter.NewDefaultRegistry("http://gotenberg.invalid", "")
	if err != nil {
		t.Fatalf("NewDefaultRegistry() error = %v", err)
	}
	cfg := &config.Config{PresignTTL: time.Hour, Plans: models.DefaultPlans()}
	f := &fixture{
		jobs:     testutil.NewMemoryJobStore(),
		objects:  testutil.NewMemoryObjectStore(),
		queue:    testutil.NewMemoryQueue(),
		accounts: testutil.NewMemoryAccounts(),
	}
	f.accounts.AddCredential(models.Credential{Key: "key-1", OwnerID: "owner-1", Status: models.CredentialActive, DailyQuota: 3})
	f.accounts.AddCredential(models.Credential{Key: "key-2", OwnerID: "owner-2", Status: models.CredentialActive, DailyQuota: 100})
	f.accounts.AddCredential(models.Credential{Key: "revoked", OwnerID: "owner-3", Status: models.CredentialRevoked, DailyQuota: 100})

	svc := submission.NewService(cfg, f.jobs, f.objects, f.queue, registry, f.accounts)
	limiter := ratelimit.NewLimiter(f.accounts, 24*time.Hour, 0, 0)
	t.Cleanup(limiter.Stop)

	f.router = NewRouter(NewHandler(svc, registry, 100), limiter)
	return f
}

func uploadRequest(t *testing.T, fileName string, data []byte, target string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	if target != "" {
		mw.WriteField("targetFormat", target)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request, apiKey string) *httptest.ResponseRecorder {
	if apiKey != "" {
		req.Header.Set(headerAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateConversion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(uploadRequest(t, "report.docx", []byte("PK\x03\x04docx"), "pdf"), "key-1")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[submitResponse](t, rec)
	if resp.JobID == "" || resp.Status != models.StatusPending {
		t.Errorf("response = %+v", resp)
	}
	if got := rec.Header().Get("Location"); got != "/api/v1/conversions/"+resp.JobID {
		t.Errorf("Location = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", got)
	}

	job, err := f.jobs.GetByID(context.Background(), resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.OwnerID != "owner-1" || job.OriginalFileName != "report.docx" {
		t.Errorf("job = %+v", job)
	}
	if len(f.queue.Enqueued()) != 1 {
		t.Error("job was not enqueued")
	}
}

func TestCreateConversionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fileName string
		data     []byte
		target   string
		apiKey   string
		userID   string
		want     int
	}{
		{"unsupported pair", "clip.mp4", []byte("data"), "pdf", "key-1", "", http.StatusBadRequest},
		{"missing target", "report.docx", []byte("data"), "", "key-1", "", http.StatusBadRequest},
		{"bad target", "report.docx", []byte("data"), "p/d/f", "key-1", "", http.StatusBadRequest},
		{"missing file", "", nil, "pdf", "key-1", "", http.StatusBadRequest},
		{"empty file", "report.docx", []byte{}, "pdf", "key-1", "", http.StatusBadRequest},
		{"over plan limit", "big.png", bytes.Repeat([]byte{'a'}, 6<<20), "jpg", "key-1", "", http.StatusRequestEntityTooLarge},
		{"unknown key", "report.docx", []byte("data"), "pdf", "nope", "", http.StatusUnauthorized},
		{"revoked key", "report.docx", []byte("data"), "pdf", "revoked", "", http.StatusUnauthorized},
		{"no identity", "report.docx", []byte("data"), "pdf", "", "", http.StatusUnauthorized},
		{"gateway identity", "report.docx", []byte("data"), "pdf", "", "user-9", http.StatusAccepted},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			req := uploadRequest(t, tt.fileName, tt.data, tt.target)
			if tt.userID != "" {
				req.Header.Set(headerUserID, tt.userID)
			}
			rec := f.do(req, tt.apiKey)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusAccepted && f.jobs.Len() != 0 {
				t.Error("rejected request created a job")
			}
		})
	}
}

func TestCreateConversionRejectsNonMultipart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversions", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	if rec := f.do(req, "key-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateConversionReportsQueueOutage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.EnqueueErr = context.DeadlineExceeded

	rec := f.do(uploadRequest(t, "report.docx", []byte("data"), "pdf"), "key-1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitedRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := 0; i < 3; i++ {
		if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions", nil), "key-1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions", nil), "key-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Errorf("missing retry headers: %v", rec.Header())
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil), "key-1"); rec.Code != http.StatusOK {
		t.Errorf("formats status = %d, the catalogue is not rate limited", rec.Code)
	}
}

func seedCompleted(f *fixture, id, owner string) {
	now := time.Now()
	out := "converted/" + id + ".pdf"
	expiry := now.Add(72 * time.Hour)
	f.jobs.Seed(models.ConversionJob{
		ID: id, OwnerID: owner, OriginalFileName: "r.docx", SourceFormat: "docx", TargetFormat: "pdf",
		SourceLocation: "uploads/" + id + ".docx", ConvertedLocation: &out, ExpiryAt: &expiry,
		Status: models.StatusCompleted, CreatedAt: now, UpdatedAt: now,
	})
	f.objects.Put(context.Background(), out, []byte("%PDF"), "application/pdf")
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedCompleted(f, "job-1", "owner-2")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1", nil), "key-2")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	job := decode[models.ConversionJob](t, rec)
	if job.Status != models.StatusCompleted || job.ConvertedLocation == nil {
		t.Errorf("job = %+v", job)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1/download", nil), "key-2")
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	dl := decode[downloadResponse](t, rec)
	if !strings.Contains(dl.URL, "converted/job-1.pdf") || dl.ExpiresAt.IsZero() {
		t.Errorf("download = %+v", dl)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1/download?redirect=1", nil), "key-2")
	if rec.Code != http.StatusFound || !strings.Contains(rec.Header().Get("Location"), "converted/job-1.pdf") {
		t.Errorf("redirect status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions", nil), "key-2")
	list := decode[map[string][]models.ConversionJob](t, rec)
	if len(list["conversions"]) != 1 {
		t.Errorf("list = %+v", list)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/job-1", nil), "key-1"); rec.Code != http.StatusForbidden {
		t.Errorf("stranger get status = %d, want 403", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/missing", nil), "key-2"); rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions?limit=500", nil), "key-2"); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d, want 400", rec.Code)
	}

	if rec := f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/conversions/job-1", nil), "key-2"); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if f.jobs.Len() != 0 || f.objects.Has("converted/job-1.pdf") {
		t.Error("delete left the job or its output behind")
	}
}

func TestDownloadOfPendingJobConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(uploadRequest(t, "report.docx", []byte("data"), "pdf"), "key-2")
	id := decode[submitResponse](t, rec).JobID

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/conversions/"+id+"/download", nil), "key-2")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListFormats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[map[string][]converter.Pair](t, rec)
	found := false
	for _, p := range resp["formats"] {
		if p == (converter.Pair{Source: "docx", Target: "pdf"}) {
			found = true
		}
	}
	if !found {
		t.Errorf("docx -> pdf missing from %v", resp["formats"])
	}
}

func TestFileNameFor(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.7\n")
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"report.docx", pdf, "report.docx"},
		{"../../etc/report.docx", pdf, "report.docx"},
		{"scan", pdf, "scan.pdf"},
		{"", pdf, "upload.pdf"},
	}
	for _, tt := range tests {
		if got := fileNameFor(tt.name, tt.data); got != tt.want {
			t.Errorf("fileNameFor(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
