package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/utils"
	"gorm.io/gorm"
)

// ChangeLogEntry is the append-only audit trail written in the same
// transaction as the entity write. Rows are never updated or deleted.
type ChangeLogEntry struct {
	ID            int       `gorm:"primary_key" json:"id"`
	EntityType    string    `gorm:"size:20;not null;index:idx_change_log_entity" json:"entity_type"`
	EntityId      int       `gorm:"not null;index:idx_change_log_entity" json:"entity_id"`
	EventType     string    `gorm:"size:20;not null" json:"event_type"`
	ChangedFields string    `gorm:"type:text" json:"changed_fields"`
	Origin        string    `gorm:"size:20;not null;default:OPMS" json:"origin"`
	ChangedBy     string    `gorm:"size:100" json:"changed_by"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// SaveChangeLog appends one entry using the caller's transaction so the
// entry commits or rolls back with the entity write it describes.
func SaveChangeLog(ctx context.Context, tx *gorm.DB, entityType SyncEntityType, entityId int, eventType SyncEventType, changedFields []string) error {
	origin, ok := utils.GetSyncOriginFromContext(ctx)
	if !ok || origin == "" {
		origin = ChangeOriginOPMS
	}

	fields := ""
	if len(changedFields) > 0 {
		encoded, err := utils.MarshalToJSON(changedFields)
		if err != nil {
			return err
		}
		fields = encoded
	}

	changedBy, _ := utils.GetUsernameFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	entry := ChangeLogEntry{
		EntityType:    string(entityType),
		EntityId:      entityId,
		EventType:     string(eventType),
		ChangedFields: fields,
		Origin:        origin,
		ChangedBy:     changedBy,
		CorrelationId: correlationId,
	}
	return tx.Create(&entry).Error
}

// GetChangeLog lists recent entries for one entity, newest first.
func GetChangeLog(ctx context.Context, entityType SyncEntityType, entityId int, limit int) ([]ChangeLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db := config.GetDB()
	var entries []ChangeLogEntry
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
