package models

import "time"

// PlanType is the subscription tier of an account.
type PlanType string

const (
	PlanFree     PlanType = "FREE"
	PlanBasic    PlanType = "BASIC"
	PlanPro      PlanType = "PRO"
	PlanUltimate PlanType = "ULTIMATE"
)

// Plan holds the limits that follow from a PlanType.
type Plan struct {
	Type          PlanType
	DailyQuota    int
	MaxFileSizeMB int
	RetentionDays int
}

// Retention returns how long completed output stays available.
func (p Plan) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// MaxFileSizeBytes returns the upload limit in bytes.
func (p Plan) MaxFileSizeBytes() int64 {
	return int64(p.MaxFileSizeMB) << 20
}

// PlanCatalog resolves a PlanType to its limits, falling back to Free.
type PlanCatalog map[PlanType]Plan

// DefaultPlans mirrors the published tiers.
func DefaultPlans() PlanCatalog {
	return PlanCatalog{
		PlanFree:     {Type: PlanFree, DailyQuota: 10, MaxFileSizeMB: 5, RetentionDays: 3},
		PlanBasic:    {Type: PlanBasic, DailyQuota: 50, MaxFileSizeMB: 10, RetentionDays: 7},
		PlanPro:      {Type: PlanPro, DailyQuota: 200, MaxFileSizeMB: 50, RetentionDays: 14},
		PlanUltimate: {Type: PlanUltimate, DailyQuota: 500, MaxFileSizeMB: 100, RetentionDays: 30},
	}
}

func (c PlanCatalog) Get(t PlanType) Plan {
	if p, ok := c[t]; ok {
		return p
	}
	return c[PlanFree]
}

// CredentialStatus mirrors the api key lifecycle.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "ACTIVE"
	CredentialRevoked CredentialStatus = "REVOKED"
)

// Credential is an API key as seen by the rate limiter.
type Credential struct {
	Key        string
	OwnerID    string
	Status     CredentialStatus
	DailyQuota int
}

func (c Credential) Active() bool {
	return c.Status == CredentialActive
}
