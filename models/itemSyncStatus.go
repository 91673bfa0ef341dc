package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"gorm.io/gorm"
)

// ItemSyncStatus is the per-entity sync ledger: one row per (entityType,
// entityId) recording the remote id, the last outcome and the last error
// or skip reason. In dry-run mode Prediction holds the JSON the adapter
// would have sent.
type ItemSyncStatus struct {
	ID            int        `gorm:"primary_key" json:"id"`
	EntityType    string     `gorm:"size:20;not null;uniqueIndex:idx_sync_status_entity" json:"entity_type"`
	EntityId      int        `gorm:"not null;uniqueIndex:idx_sync_status_entity" json:"entity_id"`
	RemoteId      string     `gorm:"size:64;index" json:"remote_id"`
	LastOutcome   string     `gorm:"size:20" json:"last_outcome"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	SkipReason    string     `gorm:"size:50" json:"skip_reason"`
	Prediction    string     `gorm:"type:text" json:"prediction"`
	LastAction    string     `gorm:"size:20" json:"last_action"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncStatusUpdate carries the fields an adapter run wants to record.
// Nil pointers leave the stored value untouched so a failed attempt does
// not wipe the remote id learned on an earlier success.
type SyncStatusUpdate struct {
	RemoteId   *string
	Outcome    string
	Error      *string
	SkipReason *string
	Prediction *string
	Action     *string
	SyncedAt   *time.Time
}

// UpsertSyncStatus records the result of one sync attempt. Find-then-write
// inside a transaction; the unique index backstops concurrent creators.
func UpsertSyncStatus(ctx context.Context, entityType SyncEntityType, entityId int, update SyncStatusUpdate) error {
	db := config.GetDB()
	now := time.Now()

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var status ItemSyncStatus
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityId).
			Take(&status).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = ItemSyncStatus{
				EntityType:    string(entityType),
				EntityId:      entityId,
				LastOutcome:   update.Outcome,
				LastAttemptAt: &now,
			}
			applySyncStatusUpdate(&status, update)
			return tx.Create(&status).Error
		}

		updates := map[string]interface{}{
			"LastOutcome":   update.Outcome,
			"LastAttemptAt": now,
		}
		if update.RemoteId != nil {
			updates["RemoteId"] = *update.RemoteId
		}
		if update.Error != nil {
			updates["LastError"] = *update.Error
		} else {
			updates["LastError"] = ""
		}
		if update.SkipReason != nil {
			updates["SkipReason"] = *update.SkipReason
		} else {
			updates["SkipReason"] = ""
		}
		if update.Prediction != nil {
			updates["Prediction"] = *update.Prediction
		}
		if update.Action != nil {
			updates["LastAction"] = *update.Action
		}
		if update.SyncedAt != nil {
			updates["LastSyncedAt"] = *update.SyncedAt
		}
		return tx.Model(&status).Updates(updates).Error
	})
}

func applySyncStatusUpdate(status *ItemSyncStatus, update SyncStatusUpdate) {
	if update.RemoteId != nil {
		status.RemoteId = *update.RemoteId
	}
	if update.Error != nil {
		status.LastError = *update.Error
	}
	if update.SkipReason != nil {
		status.SkipReason = *update.SkipReason
	}
	if update.Prediction != nil {
		status.Prediction = *update.Prediction
	}
	if update.Action != nil {
		status.LastAction = *update.Action
	}
	if update.SyncedAt != nil {
		status.LastSyncedAt = update.SyncedAt
	}
}

// GetSyncStatus returns nil (no error) when the entity has never synced.
func GetSyncStatus(ctx context.Context, entityType SyncEntityType, entityId int) (*ItemSyncStatus, error) {
	db := config.GetDB()
	var status ItemSyncStatus
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityId).
		Take(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &status, nil
}
