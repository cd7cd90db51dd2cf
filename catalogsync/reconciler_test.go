package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/workflow"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := config.OpenSQLite("catalogsync_" + name)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	r := NewReconciler(db, workflow.NewLedger(db), quietLogger())
	r.now = func() time.Time { return testNow }
	return r
}

func submit(t *testing.T, r *Reconciler, vendorCode, importId string) *models.CatalogSyncLog {
	t.Helper()
	var id *string
	if importId != "" {
		id = &importId
	}
	log, err := r.RecordSubmission(context.Background(), Submission{
		TenantId:   "tenant-1",
		AccountId:  "acct-" + vendorCode,
		VendorCode: vendorCode,
		ImportId:   id,
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	return log
}

func reload(t *testing.T, r *Reconciler, id uint) models.CatalogSyncLog {
	t.Helper()
	var log models.CatalogSyncLog
	if err := r.DB.First(&log, id).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return log
}

func completedHook(vendorCode, importId string) CatalogStatusWebhook {
	return CatalogStatusWebhook{
		VendorCode: vendorCode,
		ImportId:   importId,
		Status:     "completed",
		Summary:    StatusSummary{CategoriesCreated: 2, CategoriesUpdated: 1, ProductsCreated: 10, ProductsUpdated: 4},
	}
}

func TestHandleCompleted_RedeliveryDoesNotDoubleCount(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")
	hook := completedHook("v1", "imp-1")
	raw, _ := json.Marshal(hook)

	r.now = func() time.Time { return testNow.Add(90 * time.Second) }
	first, err := r.HandleCompleted(context.Background(), hook, raw, "cid-1")
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first delivery reported as duplicate")
	}
	second, err := r.HandleCompleted(context.Background(), hook, raw, "cid-2")
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected redelivery to be a duplicate")
	}

	log := reload(t, r, submitted.ID)
	if log.Status != models.CatalogSyncStatusDone {
		t.Fatalf("expected Done, got %s", log.Status)
	}
	if log.ProductsCreated != 10 || log.ProductsUpdated != 4 || log.CategoriesCreated != 2 || log.CategoriesUpdated != 1 {
		t.Fatalf("counts double-applied: %+v", log)
	}
	if log.DurationSeconds == nil || *log.DurationSeconds != 90 {
		t.Fatalf("expected duration 90s, got %v", log.DurationSeconds)
	}
	if log.CompletedAt == nil || log.WebhookPayload == nil || *log.WebhookPayload != string(raw) {
		t.Fatalf("completion audit fields missing: %+v", log)
	}
}

func TestHandleCompleted_ConcurrentRedeliveryCountsOnce(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")
	hook := completedHook("v1", "imp-1")
	raw, _ := json.Marshal(hook)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.HandleCompleted(context.Background(), hook, raw, "")
		}()
	}
	wg.Wait()

	if log := reload(t, r, submitted.ID); log.ProductsCreated != 10 {
		t.Fatalf("expected products created 10, got %d", log.ProductsCreated)
	}
}

func TestHandlePartial_BoundsErrorList(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")

	hook := completedHook("v1", "imp-1")
	hook.Status = "partial"
	for i := 0; i < 75; i++ {
		hook.Errors = append(hook.Errors, StatusError{Type: "product", RemoteCode: fmt.Sprintf("E%d", i), Message: "bad price"})
	}
	raw, _ := json.Marshal(hook)

	res, err := r.Dispatch(context.Background(), hook, raw, "cid")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != models.CatalogSyncStatusPartial {
		t.Fatalf("expected Partial, got %s", res.Status)
	}

	log := reload(t, r, submitted.ID)
	if log.Status != models.CatalogSyncStatusPartial || log.ErrorCount != 75 {
		t.Fatalf("unexpected log %+v", log)
	}
	if log.ErrorMessage != nil {
		t.Fatalf("partial must not be recorded as a failure")
	}
	var details partialDetails
	if log.DetailsJSON == nil || json.Unmarshal([]byte(*log.DetailsJSON), &details) != nil {
		t.Fatalf("details not stored")
	}
	if len(details.Errors) != models.MaxPartialErrors || details.ErrorsTruncated != 25 {
		t.Fatalf("expected %d errors and 25 truncated, got %d/%d", models.MaxPartialErrors, len(details.Errors), details.ErrorsTruncated)
	}
}

func TestHandleFailed_RecordsFirstError(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "")

	hook := CatalogStatusWebhook{
		VendorCode:      "v1",
		CatalogImportId: "imp-9",
		Status:          "failed",
		Errors:          []StatusError{{Type: "catalog", RemoteCode: "SCHEMA", Message: "missing categories"}},
	}
	raw, _ := json.Marshal(hook)
	if _, err := r.Dispatch(context.Background(), hook, raw, "cid"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	log := reload(t, r, submitted.ID)
	if log.Status != models.CatalogSyncStatusFailed {
		t.Fatalf("expected Failed, got %s", log.Status)
	}
	if log.ErrorMessage == nil || *log.ErrorMessage != "missing categories" {
		t.Fatalf("unexpected error message %v", log.ErrorMessage)
	}
	if log.ImportId == nil || *log.ImportId != "imp-9" {
		t.Fatalf("catalogImportId should be adopted, got %v", log.ImportId)
	}
}

func TestDispatch_UnknownStatusAndMissingLog(t *testing.T) {
	r := newTestReconciler(t)
	submit(t, r, "v1", "imp-1")

	hook := completedHook("v1", "imp-1")
	hook.Status = "archived"
	if _, err := r.Dispatch(context.Background(), hook, nil, ""); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}

	hook = completedHook("nobody", "imp-x")
	if _, err := r.Dispatch(context.Background(), hook, nil, ""); !errors.Is(err, ErrSyncLogNotFound) {
		t.Fatalf("expected ErrSyncLogNotFound, got %v", err)
	}
}

func TestDispatch_LateProcessingDoesNotReopen(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")
	ctx := context.Background()

	if _, err := r.Dispatch(ctx, completedHook("v1", "imp-1"), nil, ""); err != nil {
		t.Fatalf("completed: %v", err)
	}
	late := CatalogStatusWebhook{VendorCode: "v1", ImportId: "imp-1", Status: "processing"}
	if _, err := r.Dispatch(ctx, late, nil, ""); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if log := reload(t, r, submitted.ID); log.Status != models.CatalogSyncStatusDone {
		t.Fatalf("expected Done to stick, got %s", log.Status)
	}
}

func TestDispatch_PartialThenCompletedAssignsTotals(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")
	ctx := context.Background()

	partial := completedHook("v1", "imp-1")
	partial.Status = "partial"
	partial.Summary = StatusSummary{CategoriesCreated: 2, ProductsCreated: 6}
	partial.Errors = []StatusError{{Type: "product", RemoteCode: "E1", Message: "bad price"}}
	if _, err := r.Dispatch(ctx, partial, nil, ""); err != nil {
		t.Fatalf("partial: %v", err)
	}

	completed := completedHook("v1", "imp-1")
	completed.Summary = StatusSummary{CategoriesCreated: 2, ProductsCreated: 10}
	res, err := r.Dispatch(ctx, completed, nil, "")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if res.Stale || res.Duplicate {
		t.Fatalf("completed after partial must be applied, got %+v", res)
	}

	log := reload(t, r, submitted.ID)
	if log.Status != models.CatalogSyncStatusDone {
		t.Fatalf("expected Done, got %s", log.Status)
	}
	if log.ProductsCreated != 10 || log.CategoriesCreated != 2 || log.ErrorCount != 0 {
		t.Fatalf("expected totals from the last summary, got products=%d categories=%d errors=%d",
			log.ProductsCreated, log.CategoriesCreated, log.ErrorCount)
	}
}

func TestDispatch_FinalStatusIsNotOverwritten(t *testing.T) {
	r := newTestReconciler(t)
	submitted := submit(t, r, "v1", "imp-1")
	ctx := context.Background()

	for _, status := range []string{"partial", "completed"} {
		hook := completedHook("v1", "imp-1")
		hook.Status = status
		if _, err := r.Dispatch(ctx, hook, nil, ""); err != nil {
			t.Fatalf("%s: %v", status, err)
		}
	}

	failed := completedHook("v1", "imp-1")
	failed.Status = "failed"
	failed.Summary = StatusSummary{ProductsCreated: 99}
	failed.Errors = []StatusError{{Type: "catalog", Message: "late failure"}}
	res, err := r.Dispatch(ctx, failed, nil, "")
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !res.Stale {
		t.Fatalf("expected Failed after Done to be stale, got %+v", res)
	}

	log := reload(t, r, submitted.ID)
	if log.Status != models.CatalogSyncStatusDone || log.ProductsCreated != 10 || log.CategoriesCreated != 2 || log.ErrorMessage != nil {
		t.Fatalf("final log changed: status=%s products=%d categories=%d", log.Status, log.ProductsCreated, log.CategoriesCreated)
	}

	again, err := r.Dispatch(ctx, failed, nil, "")
	if err != nil || !again.Duplicate {
		t.Fatalf("expected stale redelivery to be a duplicate, got %+v %v", again, err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.CatalogSyncStatus
		want     bool
	}{
		{models.CatalogSyncStatusSubmitted, models.CatalogSyncStatusProcessing, true},
		{models.CatalogSyncStatusProcessing, models.CatalogSyncStatusPartial, true},
		{models.CatalogSyncStatusPartial, models.CatalogSyncStatusDone, true},
		{models.CatalogSyncStatusPartial, models.CatalogSyncStatusFailed, true},
		{models.CatalogSyncStatusPartial, models.CatalogSyncStatusProcessing, false},
		{models.CatalogSyncStatusDone, models.CatalogSyncStatusFailed, false},
		{models.CatalogSyncStatusFailed, models.CatalogSyncStatusDone, false},
		{models.CatalogSyncStatusDone, models.CatalogSyncStatusProcessing, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRecordSubmission_SameImportIdReturnsExisting(t *testing.T) {
	r := newTestReconciler(t)
	a := submit(t, r, "v1", "imp-1")
	b := submit(t, r, "v1", "imp-1")
	if a.ID != b.ID {
		t.Fatalf("expected the existing row, got %d and %d", a.ID, b.ID)
	}

	logs, err := r.ListRecent(context.Background(), "tenant-1", "v1", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one log, got %d", len(logs))
	}
}

func TestResolveAccount(t *testing.T) {
	r := newTestReconciler(t)
	submit(t, r, "v1", "imp-1")

	tenant, account, err := r.ResolveAccount(context.Background(), "v1")
	if err != nil || tenant != "tenant-1" || account != "acct-v1" {
		t.Fatalf("unexpected resolution %q %q %v", tenant, account, err)
	}
	tenant, account, err = r.ResolveAccount(context.Background(), "new-vendor")
	if err != nil || tenant != "" || account != "new-vendor" {
		t.Fatalf("unexpected fallback %q %q %v", tenant, account, err)
	}
}
