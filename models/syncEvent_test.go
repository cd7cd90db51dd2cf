package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewIdempotencyKey_StableWithinBucket(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := NewIdempotencyKey(EventTypeMenuSync, "acct-1", "branch-9", base.Add(1*time.Minute), 10*time.Minute)
	b := NewIdempotencyKey(EventTypeMenuSync, "acct-1", "branch-9", base.Add(9*time.Minute), 10*time.Minute)
	if a != b {
		t.Fatalf("expected same key inside one bucket, got %s vs %s", a, b)
	}

	c := NewIdempotencyKey(EventTypeMenuSync, "acct-1", "branch-9", base.Add(11*time.Minute), 10*time.Minute)
	if a == c {
		t.Fatalf("expected different key in the next bucket")
	}

	d := NewIdempotencyKey(EventTypeMenuSync, "acct-2", "branch-9", base.Add(1*time.Minute), 10*time.Minute)
	if a == d {
		t.Fatalf("expected different key for another account")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 key, got len=%d", len(a))
	}
}

func TestNewSyncEvent_Validates(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := NewSyncEvent(EventTypeMenuSync, "tenant-1", "acct-1", nil, json.RawMessage(`{"vendorCode":"v1"}`), now)
	if err := ev.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if ev.SchemaVersion != SyncEventSchemaVersion || ev.CorrelationId == "" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}

	ev.AccountId = ""
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected validation error for missing accountId")
	}
}

func TestWithCorrelationId_KeepsIdempotencyKey(t *testing.T) {
	ev := NewSyncEvent(EventTypeMenuSync, "", "acct-1", nil, nil, time.Now())
	replayed := ev.WithCorrelationId("fresh")
	if replayed.CorrelationId != "fresh" {
		t.Fatalf("correlation id not replaced")
	}
	if replayed.IdempotencyKey != ev.IdempotencyKey {
		t.Fatalf("idempotency key changed")
	}
	if ev.CorrelationId == "fresh" {
		t.Fatalf("original event mutated")
	}
}

func TestDecodeDelivery(t *testing.T) {
	ev := NewSyncEvent(EventTypeMenuSync, "", "acct-1", nil, nil, time.Now())

	bare, _ := json.Marshal(ev)
	env, err := DecodeDelivery(bare)
	if err != nil {
		t.Fatalf("decode bare: %v", err)
	}
	if env.Attempts != 0 || env.Event.IdempotencyKey != ev.IdempotencyKey {
		t.Fatalf("unexpected bare decode: %+v", env)
	}

	wrapped, _ := json.Marshal(RetryEnvelope{Event: ev, Attempts: 2, FailureType: FailureTypeTransient})
	env, err = DecodeDelivery(wrapped)
	if err != nil {
		t.Fatalf("decode wrapped: %v", err)
	}
	if env.Attempts != 2 || env.Event.AccountId != "acct-1" {
		t.Fatalf("unexpected wrapped decode: %+v", env)
	}

	if _, err := DecodeDelivery([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := DecodeDelivery(nil); err != ErrEmptyDelivery {
		t.Fatalf("expected ErrEmptyDelivery, got %v", err)
	}
}

func TestParseDlqPriority(t *testing.T) {
	cases := map[string]DlqPriority{
		"low":      DlqPriorityLow,
		"Normal":   DlqPriorityNormal,
		"HIGH":     DlqPriorityHigh,
		"Critical": DlqPriorityCritical,
	}
	for in, want := range cases {
		got, err := ParseDlqPriority(in)
		if err != nil || got != want {
			t.Fatalf("ParseDlqPriority(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDlqPriority("urgent"); err != ErrInvalidPriority {
		t.Fatalf("expected ErrInvalidPriority, got %v", err)
	}

	var p DlqPriority
	if err := json.Unmarshal([]byte(`"high"`), &p); err != nil || p != DlqPriorityHigh {
		t.Fatalf("unmarshal priority: %q %v", p, err)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &p); err == nil {
		t.Fatalf("expected error for bogus priority")
	}
}

func TestNormalizeCatalogSyncStatus(t *testing.T) {
	cases := map[string]CatalogSyncStatus{
		"completed":  CatalogSyncStatusDone,
		"done":       CatalogSyncStatusDone,
		"FAILED":     CatalogSyncStatusFailed,
		"partial":    CatalogSyncStatusPartial,
		"processing": CatalogSyncStatusProcessing,
	}
	for in, want := range cases {
		got, ok := NormalizeCatalogSyncStatus(in)
		if !ok || got != want {
			t.Fatalf("NormalizeCatalogSyncStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := NormalizeCatalogSyncStatus("exploded"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}
