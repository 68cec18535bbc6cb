package submission

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fileconverter/config"
	"fileconverter/converter"
	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/testutil"
	"fileconverter/worker"
)

type fixture struct {
	svc      *Service
	cfg      *config.Config
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
	cfg := &config.Config{
		PresignTTL:        time.Hour,
		Plans:             models.DefaultPlans(),
		ConversionTimeout: time.Second,
		MaxDeliveries:     5,
		ClaimInterval:     time.Minute,
	}
	f := &fixture{
		cfg:      cfg,
		jobs:     testutil.NewMemoryJobStore(),
		objects:  testutil.NewMemoryObjectStore(),
		queue:    testutil.NewMemoryQueue(),
		accounts: testutil.NewMemoryAccounts(),
	}
	f.svc = NewService(cfg, f.jobs, f.objects, f.queue, registry, f.accounts)
	return f
}

func (f *fixture) submit(t *testing.T, owner, name, target string) string {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), owner, []byte("PK\x03\x04 document"), name, target)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func TestSubmitQueuesPendingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "owner-1", "Quarterly Report.DOCX", "PDF")

	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if job.Status != models.StatusPending {
		t.Errorf("Status = %s, want PENDING", job.Status)
	}
	if job.SourceFormat != "docx" || job.TargetFormat != "pdf" {
		t.Errorf("formats = %s -> %s, want docx -> pdf", job.SourceFormat, job.TargetFormat)
	}
	if !strings.HasPrefix(job.SourceLocation, "uploads/") || !strings.HasSuffix(job.SourceLocation, ".docx") {
		t.Errorf("SourceLocation = %q", job.SourceLocation)
	}
	if !f.objects.Has(job.SourceLocation) {
		t.Error("upload was not stored")
	}
	if job.ConvertedLocation != nil || job.ExpiryAt != nil {
		t.Error("pending job must not carry output fields")
	}
	if job.CreditsConsumed != 1 {
		t.Errorf("CreditsConsumed = %d, want 1", job.CreditsConsumed)
	}

	msgs := f.queue.Enqueued()
	if len(msgs) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(msgs))
	}
	want := models.QueueMessage{JobID: id, SourceLocation: job.SourceLocation, SourceFormat: "docx", TargetFormat: "pdf"}
	if msgs[0] != want {
		t.Errorf("message = %+v, want %+v", msgs[0], want)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		owner    string
		data     []byte
		fileName string
		target   string
		want     error
	}{
		{"missing owner", "", []byte("x"), "a.docx", "pdf", models.ErrValidation},
		{"empty file", "o", nil, "a.docx", "pdf", models.ErrValidation},
		{"no extension", "o", []byte("x"), "README", "pdf", models.ErrValidation},
		{"trailing dot", "o", []byte("x"), "notes.", "pdf", models.ErrValidation},
		{"missing target", "o", []byte("x"), "a.docx", " ", models.ErrValidation},
		{"unsupported pair", "o", []byte("x"), "a.mp4", "pdf", models.ErrUnsupportedConversion},
		{"unsupported target", "o", []byte("x"), "a.docx", "epub", models.ErrUnsupportedConversion},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), tt.owner, tt.data, tt.fileName, tt.target)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
			if !IsClientError(err) {
				t.Errorf("IsClientError(%v) = false", err)
			}
			if f.jobs.Len() != 0 || len(f.queue.Enqueued()) != 0 || len(f.objects.Keys("")) != 0 {
				t.Error("rejected request left state behind")
			}
		})
	}
}

func TestSubmitEnforcesPlanSizeLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.accounts.SetPlan("pro-owner", models.PlanPro)
	sixMB := bytes.Repeat([]byte{'a'}, 6<<20)

	if _, err := f.svc.Submit(context.Background(), "free-owner", sixMB, "big.png", "jpg"); !errors.Is(err, models.ErrFileTooLarge) {
		t.Fatalf("free plan error = %v, want file too large", err)
	}
	id, err := f.svc.Submit(context.Background(), "pro-owner", sixMB, "big.png", "jpg")
	if err != nil {
		t.Fatalf("pro plan Submit() error = %v", err)
	}
	job, _ := f.jobs.GetByID(context.Background(), id)
	if job.CreditsConsumed != 6 {
		t.Errorf("CreditsConsumed = %d, want 6", job.CreditsConsumed)
	}
}

func TestSubmitFallsBackToFreePlan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.accounts.SetPlan("o", models.PlanUltimate)
	f.accounts.PlanErr = errors.New("db down")

	_, err := f.svc.Submit(context.Background(), "o", bytes.Repeat([]byte{'a'}, 6<<20), "big.png", "jpg")
	if !errors.Is(err, models.ErrFileTooLarge) {
		t.Errorf("error = %v, want the free plan limit to apply", err)
	}
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.EnqueueErr = errors.New("redis: connection refused")

	id, err := f.svc.Submit(context.Background(), "o", []byte("doc"), "a.docx", "pdf")
	if !errors.Is(err, models.ErrTransientDelivery) {
		t.Fatalf("Submit() error = %v, want transient delivery", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
	if f.jobs.Len() != 0 {
		t.Error("job row survived a failed enqueue")
	}
	if keys := f.objects.Keys("uploads/"); len(keys) != 0 {
		t.Errorf("uploads left behind: %v", keys)
	}
}

func TestSubmitKeepsJobWhenRollbackFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.EnqueueErr = errors.New("redis: connection refused")
	f.jobs.DeleteErr = errors.New("db down")

	_, err := f.svc.Submit(context.Background(), "o", []byte("doc"), "a.docx", "pdf")
	if !errors.Is(err, models.ErrTransientDelivery) {
		t.Fatalf("Submit() error = %v, want transient delivery", err)
	}
	// The row still points at the upload, so the upload must stay.
	if f.jobs.Len() != 1 || len(f.objects.Keys("uploads/")) != 1 {
		t.Error("upload removed while its job row still exists")
	}
}

func TestSubmitRemovesUploadWhenInsertFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.jobs.InsertErr = errors.New("db down")

	if _, err := f.svc.Submit(context.Background(), "o", []byte("doc"), "a.docx", "pdf"); err == nil {
		t.Fatal("Submit() error = nil")
	}
	if keys := f.objects.Keys("uploads/"); len(keys) != 0 {
		t.Errorf("uploads left behind: %v", keys)
	}
	if len(f.queue.Enqueued()) != 0 {
		t.Error("message enqueued without a job")
	}
}

func TestCredits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		size   int64
		source string
		target string
		want   int
	}{
		{"tiny file costs one", 10, "docx", "pdf", 1},
		{"exactly one megabyte", 1 << 20, "docx", "pdf", 1},
		{"started megabyte counts", 1<<20 + 1, "docx", "pdf", 2},
		{"pdf to docx surcharge", 2 << 20, "pdf", "docx", 3},
		{"surcharge rounds up", 1 << 20, "pdf", "docx", 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Credits(tt.size, tt.source, tt.target); got != tt.want {
				t.Errorf("Credits(%d, %s, %s) = %d, want %d", tt.size, tt.source, tt.target, got, tt.want)
			}
		})
	}
}

func TestSourceFormat(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"photo.JPEG":        "jpg",
		"archive.tar.gz":    "gz",
		"report.docx":       "docx",
		" spaced.pdf ":      "pdf",
		"no-extension":      "",
		"dir.d/no-ext":      "",
		"ends-with-dot.":    "",
		"Slides.Final.PPTX": "pptx",
	}

	for name, want := range tests {
		if got := SourceFormat(name); got != want {
			t.Errorf("SourceFormat(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestOwnerOnlyOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "owner-1", "a.docx", "pdf")
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, "owner-2", id); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("Get() by stranger error = %v, want forbidden", err)
	}
	if err := f.svc.Delete(ctx, "owner-2", id); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("Delete() by stranger error = %v, want forbidden", err)
	}
	if _, _, err := f.svc.DownloadURL(ctx, "owner-2", id); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("DownloadURL() by stranger error = %v, want forbidden", err)
	}
	if _, err := f.svc.Get(ctx, "owner-1", "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Get() of unknown job error = %v, want not found", err)
	}

	jobs, err := f.svc.List(ctx, "owner-2", 0)
	if err != nil || len(jobs) != 0 {
		t.Errorf("List() for stranger = %v, %v", jobs, err)
	}
	jobs, err = f.svc.List(ctx, "owner-1", 0)
	if err != nil || len(jobs) != 1 || jobs[0].ID != id {
		t.Errorf("List() for owner = %v, %v", jobs, err)
	}
}

func TestDownloadURLRequiresCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "o", "a.docx", "pdf")

	if _, _, err := f.svc.DownloadURL(context.Background(), "o", id); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("DownloadURL() of pending job error = %v, want not ready", err)
	}
}

func TestDeleteRemovesJobAndBlobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now()
	out := "converted/done.pdf"
	expiry := now.Add(time.Hour)
	f.jobs.Seed(models.ConversionJob{
		ID: "done", OwnerID: "o", SourceFormat: "docx", TargetFormat: "pdf",
		SourceLocation: "uploads/done.docx", ConvertedLocation: &out, ExpiryAt: &expiry,
		Status: models.StatusCompleted, CreatedAt: now, UpdatedAt: now,
	})
	f.objects.Put(context.Background(), "uploads/done.docx", []byte("in"), "")
	f.objects.Put(context.Background(), out, []byte("out"), "")

	if err := f.svc.Delete(context.Background(), "o", "done"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if f.jobs.Len() != 0 {
		t.Error("job row not deleted")
	}
	if f.objects.Has("uploads/done.docx") || f.objects.Has(out) {
		t.Error("blobs not deleted")
	}
}

func TestDeleteToleratesBlobFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "o", "a.docx", "pdf")
	f.objects.DeleteErr["uploads/"] = errors.New("s3 unavailable")

	if err := f.svc.Delete(context.Background(), "o", id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if f.jobs.Len() != 0 {
		t.Error("job row not deleted")
	}
}

func TestDeleteRefusesProcessingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "o", "a.docx", "pdf")
	if ok, err := f.jobs.UpdateStatus(context.Background(), id, models.StatusPending, models.StatusProcessing, models.StatusUpdate{}); !ok || err != nil {
		t.Fatalf("claim = %v, %v", ok, err)
	}

	if err := f.svc.Delete(context.Background(), "o", id); !errors.Is(err, models.ErrJobBusy) {
		t.Errorf("Delete() error = %v, want busy", err)
	}
}

// claimedAfterRead lets a worker claim the job right after it is read.
type claimedAfterRead struct {
	*testutil.MemoryJobStore
}

func (c claimedAfterRead) GetByID(ctx context.Context, id string) (*models.ConversionJob, error) {
	job, err := c.MemoryJobStore.GetByID(ctx, id)
	if err == nil {
		c.MemoryJobStore.UpdateStatus(ctx, id, models.StatusPending, models.StatusProcessing, models.StatusUpdate{})
	}
	return job, err
}

func TestDeleteRefusesJobClaimedAfterRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submit(t, "o", "a.docx", "pdf")
	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	registry, err := converter.NewDefaultRegistry("http://gotenberg.invalid", "")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(f.cfg, claimedAfterRead{f.jobs}, f.objects, f.queue, registry, f.accounts)

	if err := svc.Delete(context.Background(), "o", id); !errors.Is(err, models.ErrJobBusy) {
		t.Fatalf("Delete() error = %v, want busy", err)
	}
	if f.jobs.Len() != 1 {
		t.Error("row of a claimed job was deleted")
	}
	if !f.objects.Has(job.SourceLocation) {
		t.Error("source of a claimed job was deleted")
	}
}

type fakeConverter struct{ out []byte }

func (c fakeConverter) Convert(ctx context.Context, src, tgt string, in []byte) ([]byte, error) {
	return c.out, nil
}

func TestSubmittedJobIsConvertedByWorker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.accounts.SetPlan("o", models.PlanBasic)
	id := f.submit(t, "o", "report.docx", "pdf")

	pool := worker.NewPool(f.cfg, f.queue, f.jobs, f.objects, fakeConverter{out: []byte("%PDF-1.7")}, f.accounts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.StartWorker(ctx, 1)

	msg := f.queue.Enqueued()[0]
	f.queue.Deliver(&queue.Delivery{ID: "1-0", Message: msg, Deliveries: 1})

	deadline := time.Now().Add(2 * time.Second)
	var job *models.ConversionJob
	for time.Now().Before(deadline) {
		job, _ = f.jobs.GetByID(context.Background(), id)
		if job.Status.IsTerminal() && len(f.queue.Notifications()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", job.Status)
	}
	if job.ConvertedLocation == nil || *job.ConvertedLocation != "converted/"+id+".pdf" {
		t.Fatalf("ConvertedLocation = %v", job.ConvertedLocation)
	}
	if f.objects.Has(job.SourceLocation) {
		t.Error("source blob kept after completion")
	}

	url, expires, err := f.svc.DownloadURL(context.Background(), "o", id)
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}
	if !strings.Contains(url, "converted/"+id+".pdf") {
		t.Errorf("url = %q", url)
	}
	if until := time.Until(expires); until <= 0 || until > time.Hour {
		t.Errorf("link expires in %v, want within the presign TTL", until)
	}
}
