package dlq

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/utils"
)

type AcknowledgeRequest struct {
	Notes *string `json:"notes"`
}

type PriorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

func RegisterRoutes(rg *gin.RouterGroup, store *Store, replayer *Replayer) {
	rg.GET("/stats", StatsHandler(store))
	rg.GET("/messages", ListHandler(store))
	rg.GET("/messages/:id", GetHandler(store))
	rg.POST("/messages/:id/replay", ReplayHandler(store, replayer))
	rg.POST("/messages/:id/acknowledge", AcknowledgeHandler(store))
	rg.PATCH("/messages/:id/priority", PriorityHandler(store))
}

func tenantOf(ctx context.Context) string {
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	return tenantId
}

// loadScoped fetches a record and hides records of other tenants when the
// operator is bound to one.
func loadScoped(ctx context.Context, store *Store, id string) (*models.DlqRecord, error) {
	rec, err := store.GetById(ctx, id)
	if err != nil {
		return nil, err
	}
	if t := tenantOf(ctx); t != "" && rec.TenantId != t {
		return nil, ErrNotFound
	}
	return rec, nil
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyReplayed), errors.Is(err, ErrAlreadyAcknowledged), errors.Is(err, models.ErrInvalidPriority):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrReplayInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func StatsHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.Statistics(c.Request.Context(), tenantOf(c.Request.Context()))
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func ListHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			TenantId:  tenantOf(c.Request.Context()),
			EventType: strings.TrimSpace(c.Query("eventType")),
			Limit:     DefaultMaxRecords,
		}
		if raw := strings.TrimSpace(c.Query("priority")); raw != "" {
			p, err := models.ParseDlqPriority(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.Priority = &p
		}
		if raw := strings.TrimSpace(c.Query("maxRecords")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "maxRecords must be an integer"})
				return
			}
			filter.Limit = ClampMaxRecords(n)
		}

		records, err := store.ListPending(c.Request.Context(), filter)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		out := make([]models.DlqSummary, 0, len(records))
		for _, r := range records {
			out = append(out, r.Summary())
		}
		c.JSON(http.StatusOK, out)
	}
}

func GetHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := loadScoped(c.Request.Context(), store, c.Param("id"))
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func ReplayHandler(store *Store, replayer *Replayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if _, err := loadScoped(ctx, store, id); err != nil {
			writeStoreError(c, err)
			return
		}
		outcome, err := replayer.Replay(ctx, id, utils.OperatorFromContext(ctx))
		if err != nil {
			if outcome.Result == models.ReplayResultFailed {
				c.JSON(http.StatusBadGateway, outcome)
				return
			}
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

func AcknowledgeHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		var req AcknowledgeRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if _, err := loadScoped(ctx, store, id); err != nil {
			writeStoreError(c, err)
			return
		}
		if err := store.Acknowledge(ctx, id, utils.OperatorFromContext(ctx), req.Notes); err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "isAcknowledged": true})
	}
}

func PriorityHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		var req PriorityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		priority, err := models.ParseDlqPriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := loadScoped(ctx, store, id); err != nil {
			writeStoreError(c, err)
			return
		}
		if err := store.UpdatePriority(ctx, id, priority); err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "priority": priority})
	}
}
