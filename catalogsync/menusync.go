package catalogsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/workflow"
	"github.com/sirupsen/logrus"
)

type CatalogSubmitter interface {
	SubmitCatalog(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.SyncEvent) error
}

// MenuSyncHandler submits the catalog carried by a MenuSync event and records
// the submission. It is the consumer's side effect for EventTypeMenuSync.
func MenuSyncHandler(submitter CatalogSubmitter, reconciler *Reconciler, logger *logrus.Logger) workflow.HandlerFunc {
	return func(ctx context.Context, event models.SyncEvent) (string, error) {
		if event.EventType != models.EventTypeMenuSync {
			return "", workflow.Permanent("UNSUPPORTED_EVENT_TYPE", fmt.Errorf("event type %q", event.EventType))
		}
		var payload MenuSyncPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return "", fmt.Errorf("%w: %v", workflow.ErrMalformedPayload, err)
		}
		if strings.TrimSpace(payload.VendorCode) == "" {
			return "", fmt.Errorf("%w: vendorCode is required", workflow.ErrMalformedPayload)
		}

		resp, err := submitter.SubmitCatalog(ctx, SubmitRequest{
			VendorCode:    payload.VendorCode,
			ChainCode:     payload.ChainCode,
			CorrelationId: event.CorrelationId,
			Catalog:       payload.Catalog,
		})
		if err != nil {
			return "", err
		}

		var importId *string
		if resp.ImportId != "" {
			id := resp.ImportId
			importId = &id
		}
		log, err := reconciler.RecordSubmission(ctx, Submission{
			TenantId:      event.TenantId,
			AccountId:     event.AccountId,
			VendorCode:    payload.VendorCode,
			ChainCode:     payload.ChainCode,
			ImportId:      importId,
			CorrelationId: event.CorrelationId,
		})
		if err != nil {
			return "", err
		}

		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":          "MenuSync",
				"correlation_id": event.CorrelationId,
				"account_id":     event.AccountId,
				"vendor_code":    payload.VendorCode,
				"import_id":      resp.ImportId,
				"sync_log_id":    log.ID,
			}).Info("catalog submitted to marketplace")
		}
		return resp.ImportId, nil
	}
}

// MenuImportRequester turns a marketplace menu-import request into a MenuSync
// event on the main channel.
type MenuImportRequester struct {
	Publisher  EventPublisher
	Reconciler *Reconciler

	now func() time.Time
}

func NewMenuImportRequester(publisher EventPublisher, reconciler *Reconciler) *MenuImportRequester {
	return &MenuImportRequester{Publisher: publisher, Reconciler: reconciler, now: time.Now}
}

// Request publishes one MenuSync event. Requests for the same vendor inside
// one idempotency bucket share a key, so the marketplace re-asking does not
// cause a second submission.
func (m *MenuImportRequester) Request(ctx context.Context, req MenuImportRequest, correlationId string) (models.SyncEvent, error) {
	vendorCode := strings.TrimSpace(req.VendorCode)
	tenantId, accountId, err := m.Reconciler.ResolveAccount(ctx, vendorCode)
	if err != nil {
		return models.SyncEvent{}, err
	}
	payload, err := json.Marshal(MenuSyncPayload{VendorCode: vendorCode, Reason: req.Reason})
	if err != nil {
		return models.SyncEvent{}, err
	}
	event := models.NewSyncEvent(models.EventTypeMenuSync, tenantId, accountId, &vendorCode, payload, m.now())
	if correlationId != "" {
		event = event.WithCorrelationId(correlationId)
	}
	if err := m.Publisher.Publish(ctx, event); err != nil {
		return event, err
	}
	return event, nil
}
