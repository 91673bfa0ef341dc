package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncJob is one unit of sync work. The table is the only communication
// channel between change detection and the processor; no in-memory queue,
// no message broker.
//
// Status machine:
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      -> PENDING   (transient failure, attempts left)
//	                      -> FAILED    (attempts exhausted, or permanent)
//	FAILED  -> PENDING               (manual requeue, attempts reset)
type SyncJob struct {
	ID            int        `gorm:"primary_key" json:"id"`
	EntityType    string     `gorm:"size:20;not null;index:idx_sync_jobs_entity" json:"entity_type"`
	EntityId      int        `gorm:"not null;index:idx_sync_jobs_entity" json:"entity_id"`
	EventType     string     `gorm:"size:20;not null" json:"event_type"`
	Status        string     `gorm:"size:20;not null;default:PENDING;index:idx_sync_jobs_claim" json:"status"`
	Priority      string     `gorm:"size:10;not null;default:NORMAL" json:"priority"`
	PriorityRank  int        `gorm:"not null;default:1;index:idx_sync_jobs_claim" json:"priority_rank"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:5" json:"max_attempts"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at"`
	LockedBy      string     `gorm:"size:100" json:"locked_by"`
	EventData     string     `gorm:"type:text" json:"event_data"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncEventData is the JSON stored in SyncJob.EventData. Coalescing merges
// ChangedFields across the folded events and keeps the latest Source.
type SyncEventData struct {
	Source        string   `json:"source"`
	Reason        string   `json:"reason,omitempty"`
	ChangedFields []string `json:"changed_fields,omitempty"`
	CorrelationId string   `json:"correlation_id,omitempty"`
}

const defaultMaxAttempts = 5

// EnqueueSyncJob inserts or coalesces a job inside the caller's
// transaction. One PENDING row per (entityType, entityId): an existing
// PENDING row absorbs the new event (priority raised, never lowered,
// changed fields unioned). A PROCESSING row does not block a new PENDING
// row; the in-flight run may already have read older state.
func EnqueueSyncJob(ctx context.Context, tx *gorm.DB, entityType SyncEntityType, entityId int, eventType SyncEventType, priority SyncPriority, data SyncEventData) (*SyncJob, error) {
	if data.CorrelationId == "" {
		if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			data.CorrelationId = cid
		}
	}

	var existing SyncJob
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, entityId, SyncJobStatusPending).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil {
		merged, mergeErr := mergeEventData(existing.EventData, data)
		if mergeErr != nil {
			return nil, mergeErr
		}
		updates := map[string]interface{}{
			"EventData": merged,
		}
		// INSERT folded into an older UPDATE row stays INSERT on the
		// remote side only if the record was never created; the adapter
		// resolves that by searching first, so keep the earliest event.
		if existing.EventType == string(SyncEventInsert) || eventType == SyncEventInsert {
			updates["EventType"] = string(SyncEventInsert)
		}
		raised := HigherPriority(SyncPriority(existing.Priority), priority)
		if raised != SyncPriority(existing.Priority) {
			updates["Priority"] = string(raised)
			updates["PriorityRank"] = PriorityRank(raised)
		}
		if uerr := tx.Model(&existing).Updates(updates).Error; uerr != nil {
			return nil, uerr
		}
		return &existing, nil
	}

	encoded, err := utils.MarshalToJSON(data)
	if err != nil {
		return nil, err
	}
	job := SyncJob{
		EntityType:   string(entityType),
		EntityId:     entityId,
		EventType:    string(eventType),
		Status:       SyncJobStatusPending,
		Priority:     string(priority),
		PriorityRank: PriorityRank(priority),
		MaxAttempts:  defaultMaxAttempts,
		EventData:    encoded,
	}
	if err := tx.Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func mergeEventData(storedJSON string, incoming SyncEventData) (string, error) {
	var stored SyncEventData
	if storedJSON != "" {
		if err := utils.UnmarshalFromJSON([]byte(storedJSON), &stored); err != nil {
			// Unreadable stored payload; the incoming event wins.
			stored = SyncEventData{}
		}
	}

	seen := map[string]bool{}
	merged := stored.ChangedFields[:0:0]
	for _, f := range stored.ChangedFields {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}
	for _, f := range incoming.ChangedFields {
		if !seen[f] {
			seen[f] = true
			merged = append(merged, f)
		}
	}

	out := SyncEventData{
		Source:        incoming.Source,
		Reason:        incoming.Reason,
		ChangedFields: merged,
		CorrelationId: incoming.CorrelationId,
	}
	if out.Source == "" {
		out.Source = stored.Source
	}
	if out.CorrelationId == "" {
		out.CorrelationId = stored.CorrelationId
	}
	return utils.MarshalToJSON(out)
}

// ClaimNextSyncJobs atomically claims up to batchSize due PENDING jobs and
// marks them PROCESSING under workerId. SKIP LOCKED lets concurrent
// workers claim disjoint batches.
//
// The one-PROCESSING-per-entity invariant is enforced at write time, not
// by a pre-read: each claim update carries a NOT EXISTS guard over the
// entity's PROCESSING rows, so a competing worker's commit between our
// candidate read and our update leaves RowsAffected at zero and the
// candidate is dropped. A snapshot read of busy entities cannot give that
// guarantee under REPEATABLE READ.
func ClaimNextSyncJobs(ctx context.Context, workerId string, batchSize int) ([]SyncJob, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	db := config.GetDB()
	now := time.Now()
	var claimed []SyncJob

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []SyncJob
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", SyncJobStatusPending, now).
			Order("priority_rank ASC, created_at ASC, id ASC").
			Limit(batchSize * 2).
			Find(&candidates).Error; err != nil {
			return err
		}

		// Entities already claimed in this batch; saves pointless guarded
		// updates, correctness comes from the guard itself.
		batchKeys := map[string]bool{}

		for _, job := range candidates {
			if len(claimed) >= batchSize {
				break
			}
			key := entityKey(job.EntityType, job.EntityId)
			if batchKeys[key] {
				continue
			}

			ok, err := claimSyncJobRow(tx, &job, workerId, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			batchKeys[key] = true
			job.Status = SyncJobStatusProcessing
			job.LockedAt = &now
			job.LockedBy = workerId
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimSyncJobRow transitions one PENDING row to PROCESSING unless any
// job for the same entity is already PROCESSING. Returns false when the
// row was not claimable (raced away or the entity is busy). The derived
// table sidesteps MySQL's restriction on reading the update target in a
// subquery; it still reads current row state, including rows this
// transaction just claimed.
func claimSyncJobRow(tx *gorm.DB, job *SyncJob, workerId string, now time.Time) (bool, error) {
	result := tx.Exec(`UPDATE sync_jobs
		SET status = ?, locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id = ? AND status = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM (
		      SELECT entity_type, entity_id FROM sync_jobs WHERE status = ?
		    ) busy
		    WHERE busy.entity_type = ? AND busy.entity_id = ?
		  )`,
		SyncJobStatusProcessing, now, workerId, now,
		job.ID, SyncJobStatusPending,
		SyncJobStatusProcessing, job.EntityType, job.EntityId)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func entityKey(entityType string, entityId int) string {
	return fmt.Sprintf("%s:%d", entityType, entityId)
}

// MarkSyncJobCompleted finishes a PROCESSING job. Skips also land here;
// a skip is a decision, not an error.
func MarkSyncJobCompleted(ctx context.Context, jobId int) error {
	db := config.GetDB()
	now := time.Now()
	result := db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobId, SyncJobStatusProcessing).
		Updates(map[string]interface{}{
			"Status":      SyncJobStatusCompleted,
			"CompletedAt": now,
			"LockedAt":    nil,
			"LockedBy":    "",
			"LastError":   "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sync job %d not in PROCESSING", jobId)
	}
	return nil
}

// SyncBackoffBase and SyncBackoffCap bound the retry schedule:
// base * 2^(attempt-1), capped.
const (
	SyncBackoffBase = 30 * time.Second
	SyncBackoffCap  = 30 * time.Minute
)

// SyncRetryBackoff returns the delay before the given attempt number
// (1-based) is retried.
func SyncRetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := SyncBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= SyncBackoffCap {
			return SyncBackoffCap
		}
	}
	if d > SyncBackoffCap {
		d = SyncBackoffCap
	}
	return d
}

// MarkSyncJobFailed records a failed attempt. Transient errors with
// attempts left go back to PENDING with a backoff deadline; permanent
// errors and exhausted jobs become terminal FAILED.
func MarkSyncJobFailed(ctx context.Context, jobId int, attemptErr string, permanent bool) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job SyncJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", jobId).Take(&job).Error; err != nil {
			return err
		}
		if job.Status != SyncJobStatusProcessing {
			return fmt.Errorf("sync job %d not in PROCESSING", jobId)
		}

		attempts := job.Attempts + 1
		updates := map[string]interface{}{
			"Attempts":  attempts,
			"LastError": attemptErr,
			"LockedAt":  nil,
			"LockedBy":  "",
		}
		if permanent || attempts >= job.MaxAttempts {
			updates["Status"] = SyncJobStatusFailed
		} else {
			next := time.Now().Add(SyncRetryBackoff(attempts))
			updates["Status"] = SyncJobStatusPending
			updates["NextAttemptAt"] = next
		}
		return tx.Model(&job).Updates(updates).Error
	})
}

// ReleaseSyncJob puts a PROCESSING job back to PENDING without counting an
// attempt, for shutdown and sync-disabled paths.
func ReleaseSyncJob(ctx context.Context, jobId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", jobId, SyncJobStatusProcessing).
		Updates(map[string]interface{}{
			"Status":   SyncJobStatusPending,
			"LockedAt": nil,
			"LockedBy": "",
		}).Error
}

// RequeueSyncJob returns one terminal FAILED job to PENDING with a fresh
// attempt budget.
func RequeueSyncJob(ctx context.Context, jobId int) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", jobId).Take(&job).Error; err != nil {
			return err
		}
		if job.Status != SyncJobStatusFailed {
			return fmt.Errorf("sync job %d is %s, only FAILED jobs can be requeued", jobId, job.Status)
		}
		return tx.Model(&job).Updates(map[string]interface{}{
			"Status":        SyncJobStatusPending,
			"Attempts":      0,
			"NextAttemptAt": nil,
			"LastError":     "",
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RequeueFailedSyncJobs bulk-requeues FAILED jobs, optionally only those
// whose last error contains errorFilter. Returns the number requeued.
func RequeueFailedSyncJobs(ctx context.Context, errorFilter string) (int, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).Model(&SyncJob{}).
		Where("status = ?", SyncJobStatusFailed)
	if errorFilter != "" {
		query = query.Where("last_error LIKE ?", "%"+errorFilter+"%")
	}
	result := query.Updates(map[string]interface{}{
		"Status":        SyncJobStatusPending,
		"Attempts":      0,
		"NextAttemptAt": nil,
		"LastError":     "",
	})
	return int(result.RowsAffected), result.Error
}

// StaleJobThreshold is how long a PROCESSING job may hold its lock before
// a reaper assumes the worker died.
const StaleJobThreshold = 10 * time.Minute

// RecoverStaleSyncJobs releases PROCESSING jobs whose lock is older than
// threshold back to PENDING without consuming an attempt. The adapter is
// idempotent, so re-running a job that actually finished is harmless.
func RecoverStaleSyncJobs(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = StaleJobThreshold
	}
	db := config.GetDB()
	cutoff := time.Now().Add(-threshold)
	result := db.WithContext(ctx).Model(&SyncJob{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", SyncJobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"Status":   SyncJobStatusPending,
			"LockedAt": nil,
			"LockedBy": "",
		})
	return int(result.RowsAffected), result.Error
}

// SyncQueueStatus is the operator view returned by the queue endpoint.
type SyncQueueStatus struct {
	Counts      map[string]int64 `json:"counts"`
	OldestAge   string           `json:"oldest_pending_age,omitempty"`
	DueNow      int64            `json:"due_now"`
	RecentJobs  []SyncJob        `json:"recent_jobs"`
	FailedJobs  []SyncJob        `json:"failed_jobs"`
	GeneratedAt time.Time        `json:"generated_at"`
}

func GetSyncQueueStatus(ctx context.Context) (*SyncQueueStatus, error) {
	db := config.GetDB()
	status := SyncQueueStatus{
		Counts:      map[string]int64{},
		GeneratedAt: time.Now(),
	}

	type statusCount struct {
		Status string
		Total  int64
	}
	var counts []statusCount
	if err := db.WithContext(ctx).Model(&SyncJob{}).
		Select("status, COUNT(*) as total").
		Group("status").
		Find(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		status.Counts[c.Status] = c.Total
	}

	var oldest SyncJob
	err := db.WithContext(ctx).
		Where("status = ?", SyncJobStatusPending).
		Order("created_at ASC").
		Take(&oldest).Error
	if err == nil {
		status.OldestAge = time.Since(oldest.CreatedAt).Round(time.Second).String()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := db.WithContext(ctx).Model(&SyncJob{}).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", SyncJobStatusPending, time.Now()).
		Count(&status.DueNow).Error; err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(20).
		Find(&status.RecentJobs).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).
		Where("status = ?", SyncJobStatusFailed).
		Order("updated_at DESC").
		Limit(20).
		Find(&status.FailedJobs).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

// GetSyncJob loads one job by id.
func GetSyncJob(ctx context.Context, jobId int) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	if err := db.WithContext(ctx).Where("id = ?", jobId).Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// HasPendingOutboundJob reports whether an outbound job exists for the
// entity (PENDING or PROCESSING). The webhook receiver uses this to
// reject inbound writes that would be clobbered by an imminent export.
func HasPendingOutboundJob(ctx context.Context, entityType SyncEntityType, entityId int) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&SyncJob{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityId, []string{SyncJobStatusPending, SyncJobStatusProcessing}).
		Count(&count).Error
	return count > 0, err
}
