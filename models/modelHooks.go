package models

import (
	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Change detection lives in gorm hooks so every write path (handlers,
// cmd tools, inbound webhook apply) is covered without DB triggers. The
// change log entry and the sync job ride the same transaction as the
// entity write: either everything commits or nothing does.
//
// Loop prevention: writes carrying a NETSUITE or SYSTEM origin in context
// are logged but never enqueued, otherwise an inbound webhook apply would
// immediately schedule an outbound export of the same change.

// itemAuditFields is everything worth recording in the change log,
// superset of the sync-relevant allow-list.
func itemAuditFields() []string {
	return append(append([]string{}, itemSyncRelevantFields...),
		"ProductId", "ShelfLocation", "InternalNotes", "ReverseSyncExcluded")
}

func productAuditFields() []string {
	return append([]string{}, productSyncRelevantFields...)
}

func statementChanged(tx *gorm.DB, fields []string) []string {
	var changed []string
	for _, f := range fields {
		if tx.Statement.Changed(f) {
			changed = append(changed, f)
		}
	}
	return changed
}

func originSuppressed(tx *gorm.DB) bool {
	origin, ok := utils.GetSyncOriginFromContext(tx.Statement.Context)
	return ok && origin != ChangeOriginOPMS && origin != ""
}

func detectorPriority(changedFields []string) SyncPriority {
	// Activation flips propagate ahead of ordinary edits so a
	// deactivated item stops selling remotely as soon as possible.
	for _, f := range changedFields {
		if f == "IsActive" {
			return SyncPriorityHigh
		}
	}
	return SyncPriorityNormal
}

func intersect(changed, relevant []string) []string {
	set := map[string]bool{}
	for _, f := range relevant {
		set[f] = true
	}
	var out []string
	for _, f := range changed {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

func recordChange(tx *gorm.DB, entityType SyncEntityType, entityId int, eventType SyncEventType, changedAll, changedRelevant []string) error {
	ctx := tx.Statement.Context
	if err := SaveChangeLog(ctx, tx, entityType, entityId, eventType, changedAll); err != nil {
		return err
	}

	if originSuppressed(tx) {
		return nil
	}
	if eventType == SyncEventUpdate && len(changedRelevant) == 0 {
		// Audit-only edit (shelf location, notes); nothing to export.
		return nil
	}

	logger := config.GetLogger()
	data := SyncEventData{
		Source:        TriggerSourceDetector,
		ChangedFields: changedRelevant,
	}
	job, err := EnqueueSyncJob(ctx, tx, entityType, entityId, eventType, detectorPriority(changedRelevant), data)
	if err != nil {
		config.LogError(logger, "models", "recordChange", "enqueue sync job", map[string]interface{}{
			"entityType": entityType,
			"entityId":   entityId,
		}, err)
		return err
	}
	logger.WithFields(logrus.Fields{
		"module":     "models",
		"entityType": entityType,
		"entityId":   entityId,
		"eventType":  eventType,
		"jobId":      job.ID,
	}).Debug("sync job enqueued")
	return nil
}

func (item *Item) AfterCreate(tx *gorm.DB) error {
	return recordChange(tx, SyncEntityItem, item.ID, SyncEventInsert, nil, nil)
}

func (item *Item) BeforeUpdate(tx *gorm.DB) error {
	changedAll := statementChanged(tx, itemAuditFields())
	if len(changedAll) == 0 {
		return nil
	}
	changedRelevant := intersect(changedAll, itemSyncRelevantFields)
	return recordChange(tx, SyncEntityItem, item.ID, SyncEventUpdate, changedAll, changedRelevant)
}

func (product *Product) AfterCreate(tx *gorm.DB) error {
	return recordChange(tx, SyncEntityProduct, product.ID, SyncEventInsert, nil, nil)
}

func (product *Product) BeforeUpdate(tx *gorm.DB) error {
	changedAll := statementChanged(tx, productAuditFields())
	if len(changedAll) == 0 {
		return nil
	}
	changedRelevant := intersect(changedAll, productSyncRelevantFields)
	return recordChange(tx, SyncEntityProduct, product.ID, SyncEventUpdate, changedAll, changedRelevant)
}
