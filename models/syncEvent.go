package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	SyncEventSchemaVersion = "1.0"

	EventTypeMenuSync = "MenuSync"

	DefaultIdempotencyBucket = 10 * time.Minute
)

var validate = validator.New()

// SyncEvent is the envelope carried on every sync channel. It is never mutated
// after publication; replays and retries copy it.
type SyncEvent struct {
	SchemaVersion      string          `json:"schemaVersion" validate:"required"`
	EventType          string          `json:"eventType" validate:"required"`
	CorrelationId      string          `json:"correlationId" validate:"required"`
	AccountId          string          `json:"accountId" validate:"required"`
	SecondaryAccountId *string         `json:"secondaryAccountId,omitempty"`
	ScopeId            *string         `json:"scopeId,omitempty"`
	TenantId           string          `json:"tenantId,omitempty"`
	IdempotencyKey     string          `json:"idempotencyKey" validate:"required"`
	OccurredAt         time.Time       `json:"occurredAt" validate:"required"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// NewSyncEvent builds an envelope whose idempotency key is derived from the
// event type, account, scope and the DefaultIdempotencyBucket the event falls in.
func NewSyncEvent(eventType, tenantId, accountId string, scopeId *string, payload json.RawMessage, now time.Time) SyncEvent {
	scope := ""
	if scopeId != nil {
		scope = *scopeId
	}
	return SyncEvent{
		SchemaVersion:  SyncEventSchemaVersion,
		EventType:      eventType,
		CorrelationId:  uuid.NewString(),
		AccountId:      accountId,
		ScopeId:        scopeId,
		TenantId:       tenantId,
		IdempotencyKey: NewIdempotencyKey(eventType, accountId, scope, now, DefaultIdempotencyBucket),
		OccurredAt:     now.UTC(),
		Payload:        payload,
	}
}

// NewIdempotencyKey hashes the logical operation together with the start of
// the time bucket it falls in, so re-publishing the same change inside one
// bucket yields the same key.
func NewIdempotencyKey(eventType, accountId, scopeId string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultIdempotencyBucket
	}
	bucketStart := at.UTC().Truncate(bucket).Unix()
	raw := strings.Join([]string{eventType, accountId, scopeId, strconv.FormatInt(bucketStart, 10)}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (e SyncEvent) Validate() error {
	return validate.Struct(e)
}

// WithCorrelationId returns a copy carrying a new correlation id. The
// idempotency key is left untouched.
func (e SyncEvent) WithCorrelationId(correlationId string) SyncEvent {
	e.CorrelationId = correlationId
	return e
}

// RetryEnvelope wraps a SyncEvent that failed at least once (Attempts >= 1),
// or one re-injected from the DLQ (Attempts == 0, ReplayOf set).
type RetryEnvelope struct {
	Event             SyncEvent   `json:"event"`
	Attempts          int         `json:"attempts"`
	ErrorCode         string      `json:"errorCode,omitempty"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
	FirstAttemptAt    *time.Time  `json:"firstAttemptAt,omitempty"`
	LastAttemptAt     *time.Time  `json:"lastAttemptAt,omitempty"`
	RetryDelaySeconds int         `json:"retryDelaySeconds,omitempty"`
	FailureType       FailureType `json:"failureType,omitempty"`
	Tier              string      `json:"tier,omitempty"`
	ReplayOf          string      `json:"replayOf,omitempty"`
}

var ErrEmptyDelivery = errors.New("empty delivery")

// DecodeDelivery accepts either a bare SyncEvent (first delivery) or a
// RetryEnvelope (redelivery from a retry tier or a DLQ replay).
func DecodeDelivery(data []byte) (RetryEnvelope, error) {
	if len(data) == 0 {
		return RetryEnvelope{}, ErrEmptyDelivery
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return RetryEnvelope{}, fmt.Errorf("decode delivery: %w", err)
	}
	if _, wrapped := probe["event"]; wrapped {
		var env RetryEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return RetryEnvelope{}, fmt.Errorf("decode retry envelope: %w", err)
		}
		return env, nil
	}
	var event SyncEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return RetryEnvelope{}, fmt.Errorf("decode sync event: %w", err)
	}
	return RetryEnvelope{Event: event}, nil
}

// DecodeOriginalMessage restores the SyncEvent stored in a DLQ record.
func DecodeOriginalMessage(original string) (SyncEvent, error) {
	var event SyncEvent
	if err := json.Unmarshal([]byte(original), &event); err != nil {
		return SyncEvent{}, fmt.Errorf("decode original message: %w", err)
	}
	return event, nil
}
