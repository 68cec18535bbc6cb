package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fileconverter/models"
)

// AccountStore reads the credential and subscription records owned by the
// account service. The pipeline never writes them except for lastUsedAt.
type AccountStore struct {
	db    *sql.DB
	plans models.PlanCatalog
	now   func() time.Time
}

func NewAccountStore(db *sql.DB, plans models.PlanCatalog) *AccountStore {
	return &AccountStore{db: db, plans: plans, now: time.Now}
}

// LookupCredential resolves an API key. A key without its own daily limit
// inherits the quota of its owner's plan.
func (a *AccountStore) LookupCredential(ctx context.Context, key string) (models.Credential, error) {
	var (
		cred  models.Credential
		limit sql.NullInt64
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT api_key, user_id, status, rate_limit_daily FROM api_keys WHERE api_key = $1`, key,
	).Scan(&cred.Key, &cred.OwnerID, &cred.Status, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, models.ErrCredentialNotFound
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("failed to look up credential: %w", err)
	}

	if limit.Valid && limit.Int64 > 0 {
		cred.DailyQuota = int(limit.Int64)
		return cred, nil
	}

	plan, err := a.PlanFor(ctx, cred.OwnerID)
	if err != nil {
		return models.Credential{}, err
	}
	cred.DailyQuota = plan.DailyQuota
	return cred, nil
}

// TouchCredential records the last time a key was admitted.
func (a *AccountStore) TouchCredential(ctx context.Context, key string) error {
	_, err := a.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE api_key = $2`, a.now(), key)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}

// PlanFor returns the plan of the owner's active subscription, or the free
// plan when there is none.
func (a *AccountStore) PlanFor(ctx context.Context, ownerID string) (models.Plan, error) {
	var planType string
	err := a.db.QueryRowContext(ctx,
		`SELECT plan_type FROM subscriptions
		WHERE user_id = $1 AND status = 'ACTIVE' AND end_date > $2
		ORDER BY end_date DESC LIMIT 1`,
		ownerID, a.now(),
	).Scan(&planType)
	if errors.Is(err, sql.ErrNoRows) {
		return a.plans.Get(models.PlanFree), nil
	}
	if err != nil {
		return models.Plan{}, fmt.Errorf("failed to resolve plan for %s: %w", ownerID, err)
	}
	return a.plans.Get(models.PlanType(planType)), nil
}
