package workflow

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultIdempotencyTTLDays = 30

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Ledger is the durable key -> status map consulted before any side effect.
type Ledger struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, now: time.Now}
}

// WithTx returns a ledger bound to tx, sharing the clock.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{DB: tx, now: l.now}
}

type BeginResult struct {
	IsNew  bool
	Record models.IdempotencyRecord
}

func (l *Ledger) scope(ctx context.Context, tenantId, accountId, key string) *gorm.DB {
	return l.DB.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND account_id = ? AND idempotency_key = ?", tenantId, accountId, key)
}

// TryBegin atomically creates a Started record, or returns the existing one.
// The unique index on (tenant_id, account_id, idempotency_key) makes the
// insert the arbiter; a row past its expiry is reclaimed as new.
func (l *Ledger) TryBegin(ctx context.Context, tenantId, accountId, key string, ttlDays int) (BeginResult, error) {
	if ttlDays <= 0 {
		ttlDays = DefaultIdempotencyTTLDays
	}
	now := l.now().UTC()
	expiresAt := now.AddDate(0, 0, ttlDays)

	rec := models.IdempotencyRecord{
		TenantId:       tenantId,
		AccountId:      accountId,
		IdempotencyKey: key,
		Status:         models.IdempotencyStatusStarted,
		FirstSeenAt:    now,
		ExpiresAt:      expiresAt,
	}
	res := l.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil && !isDuplicateKeyErr(res.Error) {
		return BeginResult{}, res.Error
	}
	if res.Error == nil && res.RowsAffected == 1 {
		return BeginResult{IsNew: true, Record: rec}, nil
	}

	var existing models.IdempotencyRecord
	if err := l.scope(ctx, tenantId, accountId, key).First(&existing).Error; err != nil {
		return BeginResult{}, err
	}
	if !existing.IsExpired(now) {
		return BeginResult{IsNew: false, Record: existing}, nil
	}

	// Expired but not yet swept: reclaim it. The expires_at guard keeps two
	// concurrent reclaimers from both winning.
	reset := l.DB.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("id = ? AND expires_at <= ?", existing.ID, now).
		Updates(map[string]interface{}{
			"status":            models.IdempotencyStatusStarted,
			"result_hash":       nil,
			"first_seen_at":     now,
			"last_processed_at": nil,
			"expires_at":        expiresAt,
		})
	if reset.Error != nil {
		return BeginResult{}, reset.Error
	}
	if err := l.DB.WithContext(ctx).First(&existing, existing.ID).Error; err != nil {
		return BeginResult{}, err
	}
	return BeginResult{IsNew: reset.RowsAffected == 1, Record: existing}, nil
}

func (l *Ledger) MarkSucceeded(ctx context.Context, tenantId, accountId, key string, resultHash *string) error {
	now := l.now().UTC()
	return l.scope(ctx, tenantId, accountId, key).Updates(map[string]interface{}{
		"status":            models.IdempotencyStatusSucceeded,
		"result_hash":       resultHash,
		"last_processed_at": &now,
	}).Error
}

func (l *Ledger) MarkFailedPermanent(ctx context.Context, tenantId, accountId, key string) error {
	now := l.now().UTC()
	return l.scope(ctx, tenantId, accountId, key).Updates(map[string]interface{}{
		"status":            models.IdempotencyStatusFailedPermanent,
		"last_processed_at": &now,
	}).Error
}

// DeleteExpired removes every record past expires_at and returns the count.
func (l *Ledger) DeleteExpired(ctx context.Context) (int64, error) {
	res := l.DB.WithContext(ctx).
		Where("expires_at <= ?", l.now().UTC()).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// HashResult fingerprints a handler outcome. Empty results hash to nil.
func HashResult(result string) *string {
	if result == "" {
		return nil
	}
	h := utils.HashString(result)
	return &h
}
