package models

import "time"

// IdempotencyRecord provides durable, DB-backed deduplication for consumers
// and webhook handlers.
// Unique constraint: (tenant_id, account_id, idempotency_key).
type IdempotencyRecord struct {
	ID              uint              `gorm:"primary_key" json:"id"`
	TenantId        string            `gorm:"size:64;not null;default:'';index:uniq_idem,unique" json:"tenantId"`
	AccountId       string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"accountId"`
	IdempotencyKey  string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idempotencyKey"`
	Status          IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResultHash      *string           `gorm:"size:64" json:"resultHash"`
	FirstSeenAt     time.Time         `json:"firstSeenAt"`
	LastProcessedAt *time.Time        `json:"lastProcessedAt"`
	ExpiresAt       time.Time         `gorm:"index" json:"expiresAt"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (r IdempotencyRecord) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
