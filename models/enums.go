package models

import (
	"encoding/json"
	"errors"
	"strings"
)

type FailureType string

const (
	FailureTypeTransient FailureType = "Transient"
	FailureTypePermanent FailureType = "Permanent"
)

type DlqPriority string

const (
	DlqPriorityLow      DlqPriority = "Low"
	DlqPriorityNormal   DlqPriority = "Normal"
	DlqPriorityHigh     DlqPriority = "High"
	DlqPriorityCritical DlqPriority = "Critical"
)

var ErrInvalidPriority = errors.New("invalid priority value")

// ParseDlqPriority accepts the priority name in any letter case.
func ParseDlqPriority(s string) (DlqPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return DlqPriorityLow, nil
	case "normal":
		return DlqPriorityNormal, nil
	case "high":
		return DlqPriorityHigh, nil
	case "critical":
		return DlqPriorityCritical, nil
	default:
		return "", ErrInvalidPriority
	}
}

func (p DlqPriority) IsValid() bool {
	_, err := ParseDlqPriority(string(p))
	return err == nil
}

func (p *DlqPriority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return ErrInvalidPriority
	}
	parsed, err := ParseDlqPriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type ReplayResult string

const (
	ReplayResultSuccess ReplayResult = "Success"
	ReplayResultFailed  ReplayResult = "Failed"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted         IdempotencyStatus = "Started"
	IdempotencyStatusSucceeded       IdempotencyStatus = "Succeeded"
	IdempotencyStatusFailedPermanent IdempotencyStatus = "FailedPermanent"
)

type CatalogSyncStatus string

const (
	CatalogSyncStatusSubmitted  CatalogSyncStatus = "Submitted"
	CatalogSyncStatusProcessing CatalogSyncStatus = "Processing"
	CatalogSyncStatusDone       CatalogSyncStatus = "Done"
	CatalogSyncStatusFailed     CatalogSyncStatus = "Failed"
	CatalogSyncStatusPartial    CatalogSyncStatus = "Partial"
)

// NormalizeCatalogSyncStatus maps the marketplace webhook status vocabulary
// onto CatalogSyncStatus. ok is false for values we do not track.
func NormalizeCatalogSyncStatus(raw string) (status CatalogSyncStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "done", "success":
		return CatalogSyncStatusDone, true
	case "failed", "error":
		return CatalogSyncStatusFailed, true
	case "partial", "partially_completed":
		return CatalogSyncStatusPartial, true
	case "processing", "in_progress":
		return CatalogSyncStatusProcessing, true
	case "submitted", "queued":
		return CatalogSyncStatusSubmitted, true
	default:
		return "", false
	}
}

func (s CatalogSyncStatus) IsTerminal() bool {
	return s == CatalogSyncStatusDone || s == CatalogSyncStatusFailed || s == CatalogSyncStatusPartial
}
