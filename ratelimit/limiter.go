// Package ratelimit gates requests before they reach the submission service.
//
// Each API key gets a token bucket whose capacity is the key's daily quota.
// The bucket is refilled to capacity once per window, counted from the
// moment it was created; tokens do not trickle back in between. Requests
// without a key share a per-IP limiter instead.
//
// Buckets live in process memory only and start full after a restart.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fileconverter/models"
)

type CredentialStore interface {
	LookupCredential(ctx context.Context, key string) (models.Credential, error)
	TouchCredential(ctx context.Context, key string) error
}

// Admission describes an admitted request.
type Admission struct {
	// Credential is zero for anonymous requests.
	Credential models.Credential
	Remaining  int
	ResetAt    time.Time
}

// Limiter holds one bucket per credential and one anonymous limiter per IP.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	anonymous map[string]*rate.Limiter

	credentials CredentialStore
	window      time.Duration
	anonRate    rate.Limit
	anonBurst   int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	now func() time.Time
}

// NewLimiter creates a limiter. anonPerHour of zero lets requests without a
// credential through unlimited.
func NewLimiter(credentials CredentialStore, window time.Duration, anonPerHour, anonBurst int) *Limiter {
	l := &Limiter{
		buckets:         make(map[string]*bucket),
		anonymous:       make(map[string]*rate.Limiter),
		credentials:     credentials,
		window:          window,
		anonRate:        rate.Limit(float64(anonPerHour) / time.Hour.Seconds()),
		anonBurst:       anonBurst,
		cleanupInterval: 10 * time.Minute,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go l.cleanupLoop()

	return l
}

// Admit consumes one unit of quota for the request or rejects it with
// models.ErrUnauthorized or models.ErrRateLimited.
func (l *Limiter) Admit(ctx context.Context, credentialID, clientIP string) (Admission, error) {
	if credentialID == "" {
		return l.admitAnonymous(clientIP)
	}

	cred, err := l.credentials.LookupCredential(ctx, credentialID)
	if errors.Is(err, models.ErrCredentialNotFound) {
		return Admission{}, models.ErrUnauthorized
	}
	if err != nil {
		return Admission{}, fmt.Errorf("failed to verify credential: %w", err)
	}
	if !cred.Active() {
		return Admission{}, models.ErrUnauthorized
	}

	b := l.bucketFor(cred)
	remaining, resetAt, ok := b.take(l.now(), l.window)
	if !ok {
		log.Printf("[RateLimit] Rejected %s: quota of %d used until %s", cred.OwnerID, b.capacity, resetAt.Format(time.RFC3339))
		return Admission{Credential: cred, ResetAt: resetAt}, models.ErrRateLimited
	}

	if err := l.credentials.TouchCredential(ctx, credentialID); err != nil {
		log.Printf("[RateLimit] Failed to record key usage: %v", err)
	}

	return Admission{Credential: cred, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *Limiter) admitAnonymous(clientIP string) (Admission, error) {
	if l.anonRate <= 0 {
		return Admission{Remaining: -1}, nil
	}

	now := l.now()
	l.mu.Lock()
	lim, ok := l.anonymous[clientIP]
	if !ok {
		lim = rate.NewLimiter(l.anonRate, l.anonBurst)
		l.anonymous[clientIP] = lim
	}
	l.mu.Unlock()

	if !lim.AllowN(now, 1) {
		log.Printf("[RateLimit] Rejected anonymous request from %s", clientIP)
		return Admission{}, models.ErrRateLimited
	}
	return Admission{Remaining: int(lim.TokensAt(now))}, nil
}

// bucketFor returns the credential's bucket, replacing it when the quota
// behind the credential has changed since it was created.
func (l *Limiter) bucketFor(cred models.Credential) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[cred.Key]
	l.mu.RUnlock()
	if ok && b.capacity == cred.DailyQuota {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[cred.Key]; ok && b.capacity == cred.DailyQuota {
		return b
	}
	b = newBucket(cred.DailyQuota, l.now())
	l.buckets[cred.Key] = b
	return b
}

// Invalidate drops the bucket of a credential so the next request starts a
// fresh one.
func (l *Limiter) Invalidate(credentialID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, credentialID)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup forgets state that would be indistinguishable from a fresh entry:
// buckets whose window has ended and anonymous limiters that are full again.
func (l *Limiter) cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if b.expired(now, l.window) {
			delete(l.buckets, key)
		}
	}
	for ip, lim := range l.anonymous {
		if lim.TokensAt(now) >= float64(l.anonBurst) {
			delete(l.anonymous, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// Count returns the number of tracked credentials and IPs.
func (l *Limiter) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets) + len(l.anonymous)
}
