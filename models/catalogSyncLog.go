package models

import "time"

const MaxPartialErrors = 50

// CatalogSyncLog is one submission of a vendor catalog to the marketplace.
// Rows are created on submission and only mutated by status webhooks.
type CatalogSyncLog struct {
	ID                uint              `gorm:"primary_key" json:"id"`
	TenantId          string            `gorm:"size:64;not null;default:'';index" json:"tenantId"`
	AccountId         string            `gorm:"size:100;index" json:"accountId"`
	VendorCode        string            `gorm:"size:100;not null;index" json:"vendorCode"`
	ChainCode         *string           `gorm:"size:100" json:"chainCode"`
	ImportId          *string           `gorm:"size:100;index" json:"importId"`
	CorrelationId     *string           `gorm:"size:64" json:"correlationId"`
	Status            CatalogSyncStatus `gorm:"size:20;not null;index" json:"status"`
	CategoriesCreated int               `gorm:"not null;default:0" json:"categoriesCreated"`
	CategoriesUpdated int               `gorm:"not null;default:0" json:"categoriesUpdated"`
	ProductsCreated   int               `gorm:"not null;default:0" json:"productsCreated"`
	ProductsUpdated   int               `gorm:"not null;default:0" json:"productsUpdated"`
	ErrorCount        int               `gorm:"not null;default:0" json:"errorCount"`
	ErrorMessage      *string           `gorm:"type:text" json:"errorMessage"`
	SubmittedAt       time.Time         `json:"submittedAt"`
	CompletedAt       *time.Time        `json:"completedAt"`
	DurationSeconds   *float64          `json:"durationSeconds"`
	WebhookPayload    *string           `gorm:"type:mediumtext" json:"webhookPayload,omitempty"`
	DetailsJSON       *string           `gorm:"type:text" json:"detailsJson,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
}
