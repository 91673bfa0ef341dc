package netsuitesync

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"gorm.io/gorm"
)

// Operator endpoints under /internal/sync. Manual triggers do not bypass
// the queue; they enqueue like any detected change so ordering, retry and
// loop prevention hold everywhere.

type triggerRequest struct {
	ItemId   int    `json:"item_id"`
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

func requestedPriority(raw string, fallback models.SyncPriority) models.SyncPriority {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(models.SyncPriorityHigh):
		return models.SyncPriorityHigh
	case string(models.SyncPriorityNormal):
		return models.SyncPriorityNormal
	case string(models.SyncPriorityLow):
		return models.SyncPriorityLow
	}
	return fallback
}

// manualEventData builds the audit payload for an operator-triggered job.
// The reason lands in eventData so the queue view shows who wanted the
// sync and why.
func manualEventData(reason string) models.SyncEventData {
	return models.SyncEventData{
		Source: models.TriggerSourceManual,
		Reason: strings.TrimSpace(reason),
	}
}

func enqueueManual(c *gin.Context, entityType models.SyncEntityType, entityId int, priority models.SyncPriority, reason string) (*models.SyncJob, error) {
	var job *models.SyncJob
	db := config.GetDB()
	err := db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		j, err := models.EnqueueSyncJob(c.Request.Context(), tx, entityType, entityId, models.SyncEventUpdate, priority, manualEventData(reason))
		job = j
		return err
	})
	return job, err
}

// TriggerItemSyncHandler enqueues one item at HIGH priority.
func TriggerItemSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ItemId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_id is required"})
			return
		}
		if _, err := models.GetItem(c.Request.Context(), req.ItemId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		priority := requestedPriority(req.Priority, models.SyncPriorityHigh)
		job, err := enqueueManual(c, models.SyncEntityItem, req.ItemId, priority, req.Reason)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": job.Status, "priority": job.Priority})
	}
}

type triggerProductRequest struct {
	ProductId int    `json:"product_id"`
	Priority  string `json:"priority"`
	Reason    string `json:"reason"`
}

// TriggerProductSyncHandler enqueues a product and every item under it.
// The product job goes first so the parent record exists (or is updated)
// before its children export.
func TriggerProductSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerProductRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ProductId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
			return
		}
		ctx := c.Request.Context()
		if _, err := models.GetProduct(ctx, req.ProductId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		itemIds, err := models.ListItemIdsByProduct(ctx, req.ProductId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		priority := requestedPriority(req.Priority, models.SyncPriorityHigh)
		data := manualEventData(req.Reason)
		enqueued := 0
		db := config.GetDB()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := models.EnqueueSyncJob(ctx, tx, models.SyncEntityProduct, req.ProductId, models.SyncEventUpdate, priority, data); err != nil {
				return err
			}
			enqueued++
			for _, id := range itemIds {
				if _, err := models.EnqueueSyncJob(ctx, tx, models.SyncEntityItem, id, models.SyncEventUpdate, priority, data); err != nil {
					return err
				}
				enqueued++
			}
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs_enqueued": enqueued})
	}
}

type triggerAllRequest struct {
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

// TriggerAllHandler enqueues every active item, at LOW priority by
// default so a full resync drains behind ordinary traffic instead of in
// front of it.
func TriggerAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerAllRequest
		_ = c.ShouldBindJSON(&req)
		if strings.TrimSpace(req.Reason) == "" {
			req.Reason = "full resync"
		}

		ctx := c.Request.Context()
		ids, err := models.ListActiveItemIds(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		priority := requestedPriority(req.Priority, models.SyncPriorityLow)
		data := manualEventData(req.Reason)
		enqueued := 0
		db := config.GetDB()
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, id := range ids {
				if _, err := models.EnqueueSyncJob(ctx, tx, models.SyncEntityItem, id, models.SyncEventUpdate, priority, data); err != nil {
					return err
				}
				enqueued++
			}
			return nil
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs_enqueued": enqueued})
	}
}

const (
	queueStatusCacheKey = "SyncQueueStatus"
	queueStatusCacheTTL = 3 * time.Second
)

// QueueStatusHandler is the operator dashboard feed: job counts plus the
// live worker heartbeats from redis. The counts are cached for a few
// seconds so dashboard polling does not hammer the jobs table; worker
// heartbeats are always read fresh.
func QueueStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cached models.SyncQueueStatus
		if found, err := config.GetRedisObject(queueStatusCacheKey, &cached); err == nil && found {
			c.JSON(http.StatusOK, gin.H{
				"queue":   &cached,
				"workers": liveWorkers(),
			})
			return
		}

		status, err := models.GetSyncQueueStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.SetRedisObject(queueStatusCacheKey, status, queueStatusCacheTTL)
		c.JSON(http.StatusOK, gin.H{
			"queue":   status,
			"workers": liveWorkers(),
		})
	}
}

// workerHeartbeat is one worker's liveness entry in the queue view. State
// is "halted" when the worker stopped claiming after a credential
// rejection.
type workerHeartbeat struct {
	Id       string `json:"id"`
	State    string `json:"state"`
	LastSeen string `json:"last_seen,omitempty"`
}

// liveWorkers lists workers with an unexpired heartbeat key. Empty when
// redis is down; the queue view still works.
func liveWorkers() []workerHeartbeat {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return nil
	}
	keys, err := rdb.Keys(config.GetRedisContext(), "SyncWorker:*").Result()
	if err != nil {
		return nil
	}
	workers := make([]workerHeartbeat, 0, len(keys))
	for _, key := range keys {
		value, _, verr := config.GetRedisValue(key)
		if verr != nil {
			continue
		}
		state, lastSeen := parseWorkerHeartbeat(value)
		workers = append(workers, workerHeartbeat{
			Id:       strings.TrimPrefix(key, "SyncWorker:"),
			State:    state,
			LastSeen: lastSeen,
		})
	}
	return workers
}

type retryRequest struct {
	ErrorFilter string `json:"error_filter"`
}

// RetryFailedHandler bulk-requeues FAILED jobs, optionally filtered by
// error substring.
func RetryFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryRequest
		_ = c.ShouldBindJSON(&req)
		count, err := models.RequeueFailedSyncJobs(c.Request.Context(), req.ErrorFilter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs_requeued": count})
	}
}

// RequeueJobHandler returns one FAILED job to PENDING.
func RequeueJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := strconv.Atoi(c.Param("id"))
		if err != nil || jobId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		job, err := models.RequeueSyncJob(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": models.SyncJobStatusPending})
	}
}

// RecoverStaleHandler releases PROCESSING jobs abandoned by dead workers.
func RecoverStaleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := models.RecoverStaleSyncJobs(c.Request.Context(), models.StaleJobThreshold)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs_recovered": count})
	}
}

// EntitySyncStatusHandler returns the ledger row and recent change log
// for one entity.
func EntitySyncStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := models.SyncEntityType(strings.ToUpper(c.Param("entityType")))
		if entityType != models.SyncEntityItem && entityType != models.SyncEntityProduct {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type"})
			return
		}
		entityId, err := strconv.Atoi(c.Param("id"))
		if err != nil || entityId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entity id"})
			return
		}

		ctx := c.Request.Context()
		status, err := models.GetSyncStatus(ctx, entityType, entityId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		changeLog, err := models.GetChangeLog(ctx, entityType, entityId, 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sync_status": status, "change_log": changeLog})
	}
}
