package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSyncLogNotFound = errors.New("catalog sync log not found")
	ErrUnknownStatus   = errors.New("unknown catalog status")
)

type ReconcileResult struct {
	LogId     uint
	Status    models.CatalogSyncStatus
	Duplicate bool
	// Stale is set when the log had already moved past Status.
	Stale bool
}

// Reconciler applies verified status webhooks to CatalogSyncLog rows. Each
// (vendor, import, status) is applied once; redeliveries are reported as
// duplicates. The webhook summary carries the import's totals, so counts are
// assigned, not added.
type Reconciler struct {
	DB      *gorm.DB
	Ledger  *workflow.Ledger
	Logger  *logrus.Logger
	TTLDays int

	now func() time.Time
}

func NewReconciler(db *gorm.DB, ledger *workflow.Ledger, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		DB:      db,
		Ledger:  ledger,
		Logger:  logger,
		TTLDays: workflow.DefaultIdempotencyTTLDays,
		now:     time.Now,
	}
}

func (r *Reconciler) entry(hook CatalogStatusWebhook, correlationId string) *logrus.Entry {
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":          "SyncStatusReconciler",
		"correlation_id": correlationId,
		"vendor_code":    hook.VendorCode,
		"import_id":      hook.ResolvedImportId(),
		"status":         hook.Status,
	})
}

// Dispatch routes a webhook to the handler for its normalised status.
func (r *Reconciler) Dispatch(ctx context.Context, hook CatalogStatusWebhook, raw []byte, correlationId string) (ReconcileResult, error) {
	status, ok := models.NormalizeCatalogSyncStatus(hook.Status)
	if !ok {
		return ReconcileResult{}, fmt.Errorf("%w: %q", ErrUnknownStatus, hook.Status)
	}
	switch status {
	case models.CatalogSyncStatusDone:
		return r.HandleCompleted(ctx, hook, raw, correlationId)
	case models.CatalogSyncStatusFailed:
		return r.HandleFailed(ctx, hook, raw, correlationId)
	case models.CatalogSyncStatusPartial:
		return r.HandlePartial(ctx, hook, raw, correlationId)
	default:
		return r.apply(ctx, hook, raw, correlationId, status)
	}
}

func (r *Reconciler) HandleCompleted(ctx context.Context, hook CatalogStatusWebhook, raw []byte, correlationId string) (ReconcileResult, error) {
	return r.apply(ctx, hook, raw, correlationId, models.CatalogSyncStatusDone)
}

func (r *Reconciler) HandleFailed(ctx context.Context, hook CatalogStatusWebhook, raw []byte, correlationId string) (ReconcileResult, error) {
	return r.apply(ctx, hook, raw, correlationId, models.CatalogSyncStatusFailed)
}

// HandlePartial records the counts and at most models.MaxPartialErrors error
// descriptors; the submission is not marked failed.
func (r *Reconciler) HandlePartial(ctx context.Context, hook CatalogStatusWebhook, raw []byte, correlationId string) (ReconcileResult, error) {
	return r.apply(ctx, hook, raw, correlationId, models.CatalogSyncStatusPartial)
}

func (r *Reconciler) apply(ctx context.Context, hook CatalogStatusWebhook, raw []byte, correlationId string, status models.CatalogSyncStatus) (ReconcileResult, error) {
	result := ReconcileResult{Status: status}
	now := r.now().UTC()
	importId := hook.ResolvedImportId()

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log, err := findSyncLog(tx, hook.VendorCode, importId)
		if err != nil {
			return err
		}
		result.LogId = log.ID

		account := "vendor:" + hook.VendorCode
		key := importId
		if key == "" {
			key = "log-" + strconv.FormatUint(uint64(log.ID), 10)
		}
		key += ":" + string(status)

		ledger := r.Ledger.WithTx(tx)
		begin, err := ledger.TryBegin(ctx, log.TenantId, account, key, r.TTLDays)
		if err != nil {
			return err
		}
		if !begin.IsNew && begin.Record.Status == models.IdempotencyStatusSucceeded {
			result.Duplicate = true
			return nil
		}

		payload := string(raw)
		if !canTransition(log.Status, status) {
			result.Stale = true
			return ledger.MarkSucceeded(ctx, log.TenantId, account, key, workflow.HashResult(payload))
		}
		updates := map[string]interface{}{
			"status":             status,
			"webhook_payload":    &payload,
			"categories_created": hook.Summary.CategoriesCreated,
			"categories_updated": hook.Summary.CategoriesUpdated,
			"products_created":   hook.Summary.ProductsCreated,
			"products_updated":   hook.Summary.ProductsUpdated,
			"error_count":        len(hook.Errors),
		}
		if importId != "" && log.ImportId == nil {
			updates["import_id"] = importId
		}
		if hook.ChainCode != nil && log.ChainCode == nil {
			updates["chain_code"] = *hook.ChainCode
		}
		if status.IsTerminal() {
			duration := now.Sub(log.SubmittedAt).Seconds()
			if duration < 0 {
				duration = 0
			}
			updates["completed_at"] = &now
			updates["duration_seconds"] = &duration
		}
		if status == models.CatalogSyncStatusFailed {
			msg := "catalog import failed"
			if len(hook.Errors) > 0 && hook.Errors[0].Message != "" {
				msg = hook.Errors[0].Message
			}
			updates["error_message"] = &msg
		}
		if details := encodeDetails(hook); details != nil {
			updates["details_json"] = details
		}

		if err := tx.Model(&models.CatalogSyncLog{}).Where("id = ?", log.ID).Updates(updates).Error; err != nil {
			return err
		}
		return ledger.MarkSucceeded(ctx, log.TenantId, account, key, workflow.HashResult(payload))
	})
	if err != nil {
		return result, err
	}

	entry := r.entry(hook, correlationId).WithField("sync_log_id", result.LogId)
	switch {
	case result.Duplicate:
		entry.Info("duplicate catalog status webhook ignored")
	case result.Stale:
		entry.Warn("stale catalog status webhook ignored")
	default:
		entry.Info("catalog sync status updated")
	}
	return result, nil
}

// canTransition reports whether a log in from may move to to. Done and Failed
// are final; Partial may still be followed by Done or Failed for the same
// import. Progress statuses never follow a terminal one.
func canTransition(from, to models.CatalogSyncStatus) bool {
	switch from {
	case models.CatalogSyncStatusDone, models.CatalogSyncStatusFailed:
		return false
	case models.CatalogSyncStatusPartial:
		return to == models.CatalogSyncStatusDone || to == models.CatalogSyncStatusFailed
	default:
		return true
	}
}

func encodeDetails(hook CatalogStatusWebhook) *string {
	if len(hook.Errors) == 0 && len(hook.Details) == 0 {
		return nil
	}
	d := partialDetails{Details: hook.Details}
	d.Errors = hook.Errors
	if len(d.Errors) > models.MaxPartialErrors {
		d.ErrorsTruncated = len(d.Errors) - models.MaxPartialErrors
		d.Errors = d.Errors[:models.MaxPartialErrors]
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// findSyncLog matches by import id first, then adopts the newest open
// submission of the vendor that has no import id yet.
func findSyncLog(tx *gorm.DB, vendorCode, importId string) (*models.CatalogSyncLog, error) {
	var log models.CatalogSyncLog
	if importId != "" {
		err := tx.Where("vendor_code = ? AND import_id = ?", vendorCode, importId).
			Order("id DESC").First(&log).Error
		if err == nil {
			return &log, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	err := tx.Where("vendor_code = ? AND import_id IS NULL AND status IN ?", vendorCode,
		[]models.CatalogSyncStatus{models.CatalogSyncStatusSubmitted, models.CatalogSyncStatusProcessing}).
		Order("submitted_at DESC").Order("id DESC").First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSyncLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

type Submission struct {
	TenantId      string
	AccountId     string
	VendorCode    string
	ChainCode     *string
	ImportId      *string
	CorrelationId string
}

// RecordSubmission creates a Submitted log row. Recording the same import id
// twice returns the existing row.
func (r *Reconciler) RecordSubmission(ctx context.Context, s Submission) (*models.CatalogSyncLog, error) {
	db := r.DB.WithContext(ctx)
	if s.ImportId != nil && *s.ImportId != "" {
		var existing models.CatalogSyncLog
		err := db.Where("vendor_code = ? AND import_id = ?", s.VendorCode, *s.ImportId).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	log := models.CatalogSyncLog{
		TenantId:    s.TenantId,
		AccountId:   s.AccountId,
		VendorCode:  s.VendorCode,
		ChainCode:   s.ChainCode,
		ImportId:    s.ImportId,
		Status:      models.CatalogSyncStatusSubmitted,
		SubmittedAt: r.now().UTC(),
	}
	if s.CorrelationId != "" {
		cid := s.CorrelationId
		log.CorrelationId = &cid
	}
	if err := db.Create(&log).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

// ListRecent returns the newest logs, optionally for one vendor.
func (r *Reconciler) ListRecent(ctx context.Context, tenantId, vendorCode string, limit int) ([]models.CatalogSyncLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.DB.WithContext(ctx).Model(&models.CatalogSyncLog{})
	if tenantId != "" {
		q = q.Where("tenant_id = ?", tenantId)
	}
	if vendorCode != "" {
		q = q.Where("vendor_code = ?", vendorCode)
	}
	var logs []models.CatalogSyncLog
	err := q.Omit("webhook_payload").Order("submitted_at DESC").Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// ResolveAccount returns the tenant and account last seen for a vendor. An
// unseen vendor code is used as its own account id.
func (r *Reconciler) ResolveAccount(ctx context.Context, vendorCode string) (tenantId, accountId string, err error) {
	var log models.CatalogSyncLog
	err = r.DB.WithContext(ctx).Where("vendor_code = ? AND account_id <> ''", vendorCode).
		Order("submitted_at DESC").Order("id DESC").First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", vendorCode, nil
	}
	if err != nil {
		return "", "", err
	}
	return log.TenantId, log.AccountId, nil
}
