package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/catalog_sync/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound            = errors.New("dlq message not found")
	ErrAlreadyReplayed     = errors.New("message already replayed")
	ErrAlreadyAcknowledged = errors.New("message already acknowledged")
	ErrReplayInProgress    = errors.New("replay already in progress")
)

const (
	DefaultMaxRecords = 100
	MaxRecordsLimit   = 500
)

// ClampMaxRecords bounds a requested page size to 1..MaxRecordsLimit.
func ClampMaxRecords(n int) int {
	if n <= 0 {
		return DefaultMaxRecords
	}
	if n > MaxRecordsLimit {
		return MaxRecordsLimit
	}
	return n
}

type ListFilter struct {
	TenantId  string
	EventType string
	Priority  *models.DlqPriority
	Limit     int
}

// Store persists dead-lettered messages. Replay and acknowledge are one-way
// transitions guarded in the UPDATE itself.
type Store struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

func (s *Store) Insert(ctx context.Context, rec *models.DlqRecord) error {
	if rec.Priority == "" {
		rec.Priority = models.DlqPriorityNormal
	}
	return s.DB.WithContext(ctx).Create(rec).Error
}

// ListPending returns records neither replayed nor acknowledged, highest
// priority first, then oldest first.
func (s *Store) ListPending(ctx context.Context, f ListFilter) ([]models.DlqRecord, error) {
	q := s.DB.WithContext(ctx).Model(&models.DlqRecord{}).
		Where("is_replayed = ? AND is_acknowledged = ?", false, false)
	if f.TenantId != "" {
		q = q.Where("tenant_id = ?", f.TenantId)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Priority != nil {
		q = q.Where("priority = ?", *f.Priority)
	}
	var records []models.DlqRecord
	err := q.Order(priorityOrder).
		Order("created_at ASC").
		Order("id ASC").
		Limit(ClampMaxRecords(f.Limit)).
		Find(&records).Error
	return records, err
}

const priorityOrder = "CASE priority WHEN 'Critical' THEN 0 WHEN 'High' THEN 1 WHEN 'Normal' THEN 2 ELSE 3 END"

func (s *Store) GetById(ctx context.Context, id string) (*models.DlqRecord, error) {
	var rec models.DlqRecord
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// guardFailed tells a missing record apart from one whose flag was already set.
func (s *Store) guardFailed(ctx context.Context, id string, already error) error {
	if _, err := s.GetById(ctx, id); err != nil {
		return err
	}
	return already
}

// MarkReplayed records the outcome of a replay. Only the first call for a
// record succeeds; later ones return ErrAlreadyReplayed.
func (s *Store) MarkReplayed(ctx context.Context, id string, by string, result models.ReplayResult, errMessage *string) error {
	now := s.now().UTC()
	res := s.DB.WithContext(ctx).Model(&models.DlqRecord{}).
		Where("id = ? AND is_replayed = ?", id, false).
		Updates(map[string]interface{}{
			"is_replayed":          true,
			"replayed_at":          &now,
			"replayed_by":          &by,
			"replay_result":        result,
			"replay_error_message": errMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.guardFailed(ctx, id, ErrAlreadyReplayed)
	}
	return nil
}

// RecordReplayOutcome overwrites the result of a replay already claimed with
// MarkReplayed.
func (s *Store) RecordReplayOutcome(ctx context.Context, id string, result models.ReplayResult, errMessage *string) error {
	return s.DB.WithContext(ctx).Model(&models.DlqRecord{}).
		Where("id = ? AND is_replayed = ?", id, true).
		Updates(map[string]interface{}{
			"replay_result":        result,
			"replay_error_message": errMessage,
		}).Error
}

func (s *Store) Acknowledge(ctx context.Context, id string, by string, notes *string) error {
	now := s.now().UTC()
	updates := map[string]interface{}{
		"is_acknowledged": true,
		"acknowledged_at": &now,
		"acknowledged_by": &by,
	}
	if notes != nil {
		updates["notes"] = notes
	}
	res := s.DB.WithContext(ctx).Model(&models.DlqRecord{}).
		Where("id = ? AND is_acknowledged = ?", id, false).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.guardFailed(ctx, id, ErrAlreadyAcknowledged)
	}
	return nil
}

func (s *Store) UpdatePriority(ctx context.Context, id string, priority models.DlqPriority) error {
	if !priority.IsValid() {
		return models.ErrInvalidPriority
	}
	if _, err := s.GetById(ctx, id); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Model(&models.DlqRecord{}).
		Where("id = ?", id).
		Update("priority", priority).Error
}

// Statistics counts records. Pending excludes both replayed and acknowledged
// records, so pending+replayed+acknowledged can exceed total when a record
// is both.
func (s *Store) Statistics(ctx context.Context, tenantId string) (models.DlqStatistics, error) {
	stats := models.DlqStatistics{ByEventType: map[string]int64{}}
	base := func() *gorm.DB {
		q := s.DB.WithContext(ctx).Model(&models.DlqRecord{})
		if tenantId != "" {
			q = q.Where("tenant_id = ?", tenantId)
		}
		return q
	}
	if err := base().Count(&stats.TotalMessages).Error; err != nil {
		return stats, err
	}
	if err := base().Where("is_replayed = ? AND is_acknowledged = ?", false, false).Count(&stats.PendingMessages).Error; err != nil {
		return stats, err
	}
	if err := base().Where("is_replayed = ?", true).Count(&stats.ReplayedMessages).Error; err != nil {
		return stats, err
	}
	if err := base().Where("is_acknowledged = ?", true).Count(&stats.AcknowledgedMessages).Error; err != nil {
		return stats, err
	}

	var rows []struct {
		EventType string
		Total     int64
	}
	if err := base().Select("event_type, COUNT(*) AS total").Group("event_type").Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByEventType[r.EventType] = r.Total
	}
	return stats, nil
}
