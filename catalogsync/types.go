package catalogsync

import (
	"encoding/json"
	"strings"
)

type StatusSummary struct {
	CategoriesCreated int `json:"categoriesCreated"`
	CategoriesUpdated int `json:"categoriesUpdated"`
	ProductsCreated   int `json:"productsCreated"`
	ProductsUpdated   int `json:"productsUpdated"`
}

type StatusError struct {
	Type       string `json:"type"`
	RemoteCode string `json:"remoteCode"`
	Message    string `json:"message"`
}

// CatalogStatusWebhook is the marketplace callback reporting the outcome of
// one catalog import.
type CatalogStatusWebhook struct {
	VendorCode      string            `json:"vendorCode" validate:"required"`
	ChainCode       *string           `json:"chainCode,omitempty"`
	ImportId        string            `json:"importId,omitempty"`
	CatalogImportId string            `json:"catalogImportId,omitempty"`
	Status          string            `json:"status" validate:"required"`
	Summary         StatusSummary     `json:"summary"`
	Errors          []StatusError     `json:"errors,omitempty"`
	Details         []json.RawMessage `json:"details,omitempty"`
}

// ResolvedImportId prefers importId and falls back to catalogImportId.
func (w CatalogStatusWebhook) ResolvedImportId() string {
	if id := strings.TrimSpace(w.ImportId); id != "" {
		return id
	}
	return strings.TrimSpace(w.CatalogImportId)
}

type MenuImportRequest struct {
	VendorCode string `json:"vendorCode" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// WebhookResponse is returned with HTTP 200 for every webhook call.
type WebhookResponse struct {
	Success       bool   `json:"success"`
	CorrelationId string `json:"correlationId"`
	Message       string `json:"message"`
}

// MenuSyncPayload is the SyncEvent payload for EventTypeMenuSync.
type MenuSyncPayload struct {
	VendorCode string          `json:"vendorCode"`
	ChainCode  *string         `json:"chainCode,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Catalog    json.RawMessage `json:"catalog,omitempty"`
}

// partialDetails is stored in CatalogSyncLog.DetailsJSON.
type partialDetails struct {
	Errors          []StatusError     `json:"errors,omitempty"`
	ErrorsTruncated int               `json:"errorsTruncated,omitempty"`
	Details         []json.RawMessage `json:"details,omitempty"`
}
