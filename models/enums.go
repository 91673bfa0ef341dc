package models

// Sync job statuses for SyncJob.Status.
// Keep these as strings (DB values) for backwards compatibility.
const (
	SyncJobStatusPending    = "PENDING"
	SyncJobStatusProcessing = "PROCESSING"
	SyncJobStatusCompleted  = "COMPLETED"
	SyncJobStatusFailed     = "FAILED"
)

type SyncEntityType string

const (
	SyncEntityItem    SyncEntityType = "ITEM"
	SyncEntityProduct SyncEntityType = "PRODUCT"
)

type SyncEventType string

const (
	SyncEventInsert SyncEventType = "INSERT"
	SyncEventUpdate SyncEventType = "UPDATE"
)

type SyncPriority string

const (
	SyncPriorityHigh   SyncPriority = "HIGH"
	SyncPriorityNormal SyncPriority = "NORMAL"
	SyncPriorityLow    SyncPriority = "LOW"
)

// PriorityRank maps a priority to its claim order; lower claims first.
func PriorityRank(p SyncPriority) int {
	switch p {
	case SyncPriorityHigh:
		return 0
	case SyncPriorityNormal:
		return 1
	case SyncPriorityLow:
		return 2
	}
	return 1
}

// HigherPriority returns the higher of two priorities (used when coalescing).
func HigherPriority(a, b SyncPriority) SyncPriority {
	if PriorityRank(a) <= PriorityRank(b) {
		return a
	}
	return b
}

// Change origins recorded on ChangeLogEntry and carried as the loop
// prevention marker through appctx.
const (
	ChangeOriginOPMS     = "OPMS"
	ChangeOriginNetSuite = "NETSUITE"
	ChangeOriginSystem   = "SYSTEM"
)

// Last-sync outcomes for ItemSyncStatus.LastOutcome.
const (
	SyncOutcomeSynced  = "SYNCED"
	SyncOutcomeSkipped = "SKIPPED"
	SyncOutcomeFailed  = "FAILED"
)

// Skip reason codes recorded when the transformer declares an entity
// ineligible. Skips are terminal COMPLETED, never FAILED.
const (
	SkipReasonInactive        = "entity_inactive"
	SkipReasonBadCode         = "invalid_item_code"
	SkipReasonVendorNotMapped = "vendor_not_mapped"
	SkipReasonMissingFields   = "missing_required_fields"
)

// Trigger sources stored in SyncJob.EventData.
const (
	TriggerSourceDetector = "change_detector"
	TriggerSourceManual   = "manual"
	TriggerSourceRetry    = "retry"
	TriggerSourceRecovery = "stale_recovery"
)

// Vendor mapping methods.
const (
	VendorMappingMethodExact  = "exact"
	VendorMappingMethodFuzzy  = "fuzzy"
	VendorMappingMethodManual = "manual"
)
