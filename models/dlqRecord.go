package models

import "time"

// DlqRecord is a message that exhausted its retries or failed permanently.
// IsReplayed and IsAcknowledged only ever move from false to true.
type DlqRecord struct {
	ID                 string        `gorm:"primaryKey;size:36" json:"id"`
	TenantId           string        `gorm:"size:64;not null;default:'';index:idx_dlq_pending,priority:1" json:"tenantId"`
	EventType          string        `gorm:"size:100;not null;index" json:"eventType"`
	CorrelationId      string        `gorm:"size:64;index" json:"correlationId"`
	AccountId          *string       `gorm:"size:100;index" json:"accountId"`
	IdempotencyKey     string        `gorm:"size:128" json:"idempotencyKey"`
	OriginalMessage    string        `gorm:"type:mediumtext" json:"originalMessage,omitempty"`
	ErrorCode          string        `gorm:"size:100" json:"errorCode"`
	ErrorMessage       string        `gorm:"type:text" json:"errorMessage"`
	StackTrace         *string       `gorm:"type:text" json:"stackTrace,omitempty"`
	Attempts           int           `gorm:"not null;default:0" json:"attempts"`
	FailureType        FailureType   `gorm:"size:20;not null" json:"failureType"`
	FirstAttemptAt     time.Time     `json:"firstAttemptAt"`
	LastAttemptAt      time.Time     `json:"lastAttemptAt"`
	Priority           DlqPriority   `gorm:"size:20;not null;default:'Normal';index" json:"priority"`
	IsReplayed         bool          `gorm:"not null;default:false;index:idx_dlq_pending,priority:2" json:"isReplayed"`
	ReplayedAt         *time.Time    `json:"replayedAt"`
	ReplayedBy         *string       `gorm:"size:100" json:"replayedBy"`
	ReplayResult       *ReplayResult `gorm:"size:20" json:"replayResult"`
	ReplayErrorMessage *string       `gorm:"type:text" json:"replayErrorMessage"`
	IsAcknowledged     bool          `gorm:"not null;default:false;index:idx_dlq_pending,priority:3" json:"isAcknowledged"`
	AcknowledgedAt     *time.Time    `json:"acknowledgedAt"`
	AcknowledgedBy     *string       `gorm:"size:100" json:"acknowledgedBy"`
	Notes              *string       `gorm:"type:text" json:"notes"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (DlqRecord) TableName() string {
	return "dlq_records"
}

// DlqSummary is the list projection of a DlqRecord, without the payload.
type DlqSummary struct {
	ID             string      `json:"id"`
	TenantId       string      `json:"tenantId"`
	EventType      string      `json:"eventType"`
	CorrelationId  string      `json:"correlationId"`
	AccountId      *string     `json:"accountId"`
	ErrorCode      string      `json:"errorCode"`
	ErrorMessage   string      `json:"errorMessage"`
	Attempts       int         `json:"attempts"`
	FailureType    FailureType `json:"failureType"`
	FirstAttemptAt time.Time   `json:"firstAttemptAt"`
	LastAttemptAt  time.Time   `json:"lastAttemptAt"`
	Priority       DlqPriority `json:"priority"`
	IsReplayed     bool        `json:"isReplayed"`
	IsAcknowledged bool        `json:"isAcknowledged"`
}

func (r DlqRecord) Summary() DlqSummary {
	return DlqSummary{
		ID:             r.ID,
		TenantId:       r.TenantId,
		EventType:      r.EventType,
		CorrelationId:  r.CorrelationId,
		AccountId:      r.AccountId,
		ErrorCode:      r.ErrorCode,
		ErrorMessage:   r.ErrorMessage,
		Attempts:       r.Attempts,
		FailureType:    r.FailureType,
		FirstAttemptAt: r.FirstAttemptAt,
		LastAttemptAt:  r.LastAttemptAt,
		Priority:       r.Priority,
		IsReplayed:     r.IsReplayed,
		IsAcknowledged: r.IsAcknowledged,
	}
}

type DlqStatistics struct {
	TotalMessages        int64            `json:"totalMessages"`
	PendingMessages      int64            `json:"pendingMessages"`
	ReplayedMessages     int64            `json:"replayedMessages"`
	AcknowledgedMessages int64            `json:"acknowledgedMessages"`
	ByEventType          map[string]int64 `json:"byEventType"`
}
