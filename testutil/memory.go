// Package testutil provides in-memory stand-ins for the Postgres, S3 and
// Redis collaborators so package tests can drive the pipeline end to end.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/services"
)

// MemoryJobStore mirrors services.JobStore, including the conditional status update.
type MemoryJobStore struct {
	mu      sync.Mutex
	jobs    map[string]models.ConversionJob
	history map[string][]models.JobStatus
	requeue map[string]time.Time

	Now       func() time.Time
	InsertErr error
	UpdateErr error
	DeleteErr error
	FindErr   error
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:    map[string]models.ConversionJob{},
		history: map[string][]models.JobStatus{},
		requeue: map[string]time.Time{},
		Now:     time.Now,
	}
}

func (m *MemoryJobStore) Insert(ctx context.Context, job *models.ConversionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	m.jobs[job.ID] = *job
	m.history[job.ID] = []models.JobStatus{job.Status}
	return nil
}

// Seed stores a job as-is, bypassing the insert hooks.
func (m *MemoryJobStore) Seed(job models.ConversionJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.history[job.ID] = append(m.history[job.ID], job.Status)
}

func (m *MemoryJobStore) GetByID(ctx context.Context, id string) (*models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return &job, nil
}

func (m *MemoryJobStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if job.Status == models.StatusProcessing {
		return fmt.Errorf("%w: %s", models.ErrJobBusy, id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryJobStore) UpdateStatus(ctx context.Context, id string, from, to models.JobStatus, update models.StatusUpdate) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return false, m.UpdateErr
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != from {
		return false, nil
	}
	m.jobs[id] = job.Apply(to, update, m.Now())
	m.history[id] = append(m.history[id], to)
	return true, nil
}

func (m *MemoryJobStore) MarkRequeued(ctx context.Context, id string, notBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return false, m.UpdateErr
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusPending {
		return false, nil
	}
	if last, ok := m.requeue[id]; ok && !last.Before(notBefore) {
		return false, nil
	}
	m.requeue[id] = m.Now()
	return true, nil
}

func (m *MemoryJobStore) FindExpiredCompleted(ctx context.Context, now time.Time) ([]models.ConversionJob, error) {
	return m.filter(func(j models.ConversionJob) bool {
		return j.Status == models.StatusCompleted && j.ExpiryAt != nil && !j.ExpiryAt.After(now)
	})
}

func (m *MemoryJobStore) FindStale(ctx context.Context, status models.JobStatus, before time.Time) ([]models.ConversionJob, error) {
	return m.filter(func(j models.ConversionJob) bool {
		return j.Status == status && j.UpdatedAt.Before(before)
	})
}

func (m *MemoryJobStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.ConversionJob, error) {
	jobs, err := m.filter(func(j models.ConversionJob) bool { return j.OwnerID == ownerID })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// History lists every status a job has held, oldest first.
func (m *MemoryJobStore) History(id string) []models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobStatus(nil), m.history[id]...)
}

func (m *MemoryJobStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *MemoryJobStore) filter(keep func(models.ConversionJob) bool) ([]models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	var out []models.ConversionJob
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryObjectStore mirrors services.S3Store. Errors can be injected per key
// prefix, e.g. DeleteErr["converted/"].
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string

	PutErr    map[string]error
	GetErr    map[string]error
	DeleteErr map[string]error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects:   map[string][]byte{},
		PutErr:    map[string]error{},
		GetErr:    map[string]error{},
		DeleteErr: map[string]error{},
	}
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := match(m.PutErr, key); err != nil {
		return "", err
	}
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := match(m.GetErr, key); err != nil {
		return nil, err
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", services.ErrObjectNotFound, key)
	}
	return data, nil
}

func (m *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	if err := match(m.DeleteErr, key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryObjectStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?expires=%d", key, int(ttl.Seconds())), nil
}

func (m *MemoryObjectStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Keys returns the stored keys with the given prefix, sorted.
func (m *MemoryObjectStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Deleted lists every key passed to Delete, including failed attempts.
func (m *MemoryObjectStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

func match(errs map[string]error, key string) error {
	for prefix, err := range errs {
		if strings.HasPrefix(key, prefix) {
			return err
		}
	}
	return nil
}

// MemoryAccounts mirrors services.AccountStore.
type MemoryAccounts struct {
	mu          sync.Mutex
	credentials map[string]models.Credential
	plans       map[string]models.PlanType
	touched     map[string]int

	Catalog models.PlanCatalog
	PlanErr error
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		credentials: map[string]models.Credential{},
		plans:       map[string]models.PlanType{},
		touched:     map[string]int{},
		Catalog:     models.DefaultPlans(),
	}
}

func (m *MemoryAccounts) AddCredential(c models.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.Key] = c
}

func (m *MemoryAccounts) SetPlan(ownerID string, plan models.PlanType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[ownerID] = plan
}

func (m *MemoryAccounts) LookupCredential(ctx context.Context, key string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[key]
	if !ok {
		return models.Credential{}, models.ErrCredentialNotFound
	}
	return c, nil
}

func (m *MemoryAccounts) TouchCredential(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[key]++
	return nil
}

func (m *MemoryAccounts) Touched(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched[key]
}

func (m *MemoryAccounts) PlanFor(ctx context.Context, ownerID string) (models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlanErr != nil {
		return models.Plan{}, m.PlanErr
	}
	return m.Catalog.Get(m.plans[ownerID]), nil
}

// MemoryQueue records what the pipeline sends to Redis. Deliveries queued
// with Deliver are handed out by Read in order.
type MemoryQueue struct {
	mu            sync.Mutex
	enqueued      []models.QueueMessage
	pending       []*queue.Delivery
	reclaimable   []*queue.Delivery
	acked         []string
	deadLetters   map[string]string
	notifications []models.ConversionNotification
	notices       []*queue.NotificationDelivery
	ackedNotices  []string

	EnqueueErr error
	PublishErr error
	AckErr     error
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{deadLetters: map[string]string{}}
}

func (m *MemoryQueue) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}
	m.enqueued = append(m.enqueued, msg)
	return nil
}

func (m *MemoryQueue) Enqueued() []models.QueueMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueueMessage(nil), m.enqueued...)
}

// Deliver makes d available to Read.
func (m *MemoryQueue) Deliver(d *queue.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, d)
}

// Abandon makes d available to Reclaim.
func (m *MemoryQueue) Abandon(d *queue.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimable = append(m.reclaimable, d)
}

// Read returns the next delivery, or nil after a short wait like a blocking
// XREADGROUP that timed out.
func (m *MemoryQueue) Read(ctx context.Context) (*queue.Delivery, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		d := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	idle(ctx)
	return nil, nil
}

func (m *MemoryQueue) Reclaim(ctx context.Context) ([]*queue.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.reclaimable
	m.reclaimable = nil
	return out, nil
}

func (m *MemoryQueue) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.acked = append(m.acked, id)
	return nil
}

func (m *MemoryQueue) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

func (m *MemoryQueue) DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[d.ID] = reason
	return nil
}

// DeadLetters maps dead-lettered message ids to their reason.
func (m *MemoryQueue) DeadLetters() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.deadLetters))
	for k, v := range m.deadLetters {
		out[k] = v
	}
	return out
}

func (m *MemoryQueue) PublishNotification(ctx context.Context, n models.ConversionNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.notifications = append(m.notifications, n)
	m.notices = append(m.notices, &queue.NotificationDelivery{
		ID:           fmt.Sprintf("notice-%d", len(m.notifications)),
		Notification: n,
	})
	return nil
}

// DeliverNotice makes a raw notice delivery available to ReadNotification.
func (m *MemoryQueue) DeliverNotice(d *queue.NotificationDelivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, d)
}

func (m *MemoryQueue) ReadNotification(ctx context.Context) (*queue.NotificationDelivery, error) {
	m.mu.Lock()
	if len(m.notices) > 0 {
		d := m.notices[0]
		m.notices = m.notices[1:]
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	idle(ctx)
	return nil, nil
}

func (m *MemoryQueue) AckNotification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackedNotices = append(m.ackedNotices, id)
	return nil
}

func (m *MemoryQueue) AckedNotices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ackedNotices...)
}

func (m *MemoryQueue) Notifications() []models.ConversionNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConversionNotification(nil), m.notifications...)
}

func idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
}
