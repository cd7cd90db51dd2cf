package catalogsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/catalog_sync/utils"
	"github.com/mmdatafocus/catalog_sync/webhookauth"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

var validate = validator.New()

type WebhookHandlers struct {
	Verifier   *webhookauth.Verifier
	Reconciler *Reconciler
	Requester  *MenuImportRequester
	Logger     *logrus.Logger
}

func (h *WebhookHandlers) Register(rg *gin.RouterGroup) {
	rg.POST("/catalog-status", h.CatalogStatus())
	rg.POST("/menu-import-request", h.MenuImportRequest())
	rg.GET("/health", h.Health())
}

func (h *WebhookHandlers) entry(correlationId string) *logrus.Entry {
	logger := h.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "Webhook", "correlation_id": correlationId})
}

func correlationIdFor(c *gin.Context) string {
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && cid != "" {
		return cid
	}
	if cid := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); cid != "" {
		return cid
	}
	return uuid.NewString()
}

func respond(c *gin.Context, success bool, correlationId, message string) {
	c.JSON(http.StatusOK, WebhookResponse{Success: success, CorrelationId: correlationId, Message: message})
}

// readVerified reads the raw body and runs the verifier. ok is false when a
// response has already been written.
func (h *WebhookHandlers) readVerified(c *gin.Context, correlationId string) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.entry(correlationId).Warn("read webhook body: " + err.Error())
		respond(c, false, correlationId, "Unable to read request body.")
		return nil, false
	}
	res := h.Verifier.Validate(c.Request.Header, raw, correlationId)
	if !res.IsValid {
		h.entry(correlationId).WithField("path", c.FullPath()).Warn("webhook rejected: " + res.Err.Error())
		respond(c, false, correlationId, res.Message())
		return nil, false
	}
	return raw, true
}

func (h *WebhookHandlers) CatalogStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := correlationIdFor(c)
		raw, ok := h.readVerified(c, cid)
		if !ok {
			return
		}

		var hook CatalogStatusWebhook
		if err := json.Unmarshal(raw, &hook); err != nil {
			h.entry(cid).Warn("decode catalog status webhook: " + err.Error())
			respond(c, false, cid, "Invalid payload.")
			return
		}
		if err := validate.Struct(hook); err != nil {
			h.entry(cid).Warn("invalid catalog status webhook: " + err.Error())
			respond(c, false, cid, "Invalid payload.")
			return
		}

		result, err := h.Reconciler.Dispatch(c.Request.Context(), hook, raw, cid)
		switch {
		case errors.Is(err, ErrUnknownStatus):
			h.entry(cid).Warn(err.Error())
			respond(c, true, cid, "Status ignored.")
		case errors.Is(err, ErrSyncLogNotFound):
			h.entry(cid).WithField("vendor_code", hook.VendorCode).Warn("no catalog sync log for webhook")
			respond(c, false, cid, "Catalog sync log not found.")
		case err != nil:
			h.entry(cid).Error("reconcile catalog status: " + err.Error())
			respond(c, false, cid, "Webhook processing failed.")
		case result.Duplicate:
			respond(c, true, cid, "Duplicate webhook ignored.")
		case result.Stale:
			respond(c, true, cid, "Stale status ignored.")
		default:
			respond(c, true, cid, "Catalog status "+string(result.Status)+" recorded for log "+strconv.FormatUint(uint64(result.LogId), 10)+".")
		}
	}
}

func (h *WebhookHandlers) MenuImportRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := correlationIdFor(c)
		raw, ok := h.readVerified(c, cid)
		if !ok {
			return
		}

		var req MenuImportRequest
		if err := json.Unmarshal(raw, &req); err != nil || validate.Struct(req) != nil {
			respond(c, false, cid, "Invalid payload.")
			return
		}

		event, err := h.Requester.Request(c.Request.Context(), req, cid)
		if err != nil {
			h.entry(cid).WithField("vendor_code", req.VendorCode).Error("publish menu sync: " + err.Error())
			respond(c, false, cid, "Menu import request could not be queued.")
			return
		}
		h.entry(cid).WithFields(logrus.Fields{
			"vendor_code": req.VendorCode,
			"account_id":  event.AccountId,
			"reason":      req.Reason,
		}).Info("menu import request queued")
		respond(c, true, cid, "Menu import request queued.")
	}
}

func (h *WebhookHandlers) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, true, correlationIdFor(c), "healthy")
	}
}

// SyncLogsHandler lists recent catalog sync logs for operators.
func SyncLogsHandler(reconciler *Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		tenantId, _ := utils.GetTenantIdFromContext(c.Request.Context())
		logs, err := reconciler.ListRecent(c.Request.Context(), tenantId, strings.TrimSpace(c.Query("vendorCode")), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}
