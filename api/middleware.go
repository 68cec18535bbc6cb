package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"fileconverter/models"
	"fileconverter/ratelimit"
)

const (
	headerAPIKey = "X-API-Key"
	headerUserID = "X-User-ID"
)

type Admitter interface {
	Admit(ctx context.Context, credentialID, clientIP string) (ratelimit.Admission, error)
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// RateLimit admits each request against the caller's quota and resolves the
// owner the request acts for: the credential's owner, or the X-User-ID set
// by the upstream gateway for requests without a key.
func RateLimit(limiter Admitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adm, err := limiter.Admit(r.Context(), r.Header.Get(headerAPIKey), clientIP(r))
			if !adm.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(adm.ResetAt.Unix(), 10))
			}
			if err != nil {
				if errors.Is(err, models.ErrRateLimited) && !adm.ResetAt.IsZero() {
					retry := time.Until(adm.ResetAt).Round(time.Second)
					w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()))))
				}
				writeServiceError(w, err)
				return
			}
			if adm.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(adm.Remaining))
			}

			owner := adm.Credential.OwnerID
			if owner == "" {
				owner = r.Header.Get(headerUserID)
			}
			if owner == "" {
				writeJSONError(w, "missing credentials", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
		})
	}
}

// clientIP expects RemoteAddr to have been rewritten by middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
