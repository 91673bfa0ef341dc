package netsuitesync

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"github.com/mmdatafocus/opms_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Adapter performs the idempotent remote upsert: search by natural key,
// then create or update. It never trusts a cached remote id blindly; a
// stale id falls back to create when the update 404s.
//
// Dry run shares the live code path up to the mutating call, so what it
// predicts is what a live run would send.
type Adapter struct {
	client *Client
	dryRun bool
	logger *logrus.Logger
}

func NewAdapter(client *Client, dryRun bool) *Adapter {
	return &Adapter{
		client: client,
		dryRun: dryRun,
		logger: config.GetLogger(),
	}
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// SyncResult is what one adapter run decided and did.
type SyncResult struct {
	Outcome    string `json:"outcome"`
	Action     string `json:"action,omitempty"`
	RemoteId   string `json:"remote_id,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// dryRunPrediction is persisted to ItemSyncStatus.Prediction as JSON.
type dryRunPrediction struct {
	Action      string      `json:"action"`
	RemoteId    string      `json:"remote_id,omitempty"`
	Payload     interface{} `json:"payload"`
	PredictedAt time.Time   `json:"predicted_at"`
}

// SyncItem exports one item. Errors bubble up for the worker to classify;
// the per-entity ledger row is updated on every path.
func (a *Adapter) SyncItem(ctx context.Context, entityId int) (*SyncResult, error) {
	item, err := models.GetItem(ctx, entityId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Entity deleted after enqueue; nothing to export.
			return nil, permanentErrorf("item %d no longer exists", entityId)
		}
		return nil, err
	}

	status, err := models.GetSyncStatus(ctx, models.SyncEntityItem, entityId)
	if err != nil {
		return nil, err
	}
	knownRemoteId := ""
	if status != nil {
		knownRemoteId = status.RemoteId
	}

	mapping, err := models.GetVendorMapping(ctx, item.VendorId)
	if err != nil {
		return nil, err
	}

	parentRemoteId := ""
	if item.ProductId != 0 {
		parentStatus, perr := models.GetSyncStatus(ctx, models.SyncEntityProduct, item.ProductId)
		if perr != nil {
			return nil, perr
		}
		if parentStatus != nil {
			parentRemoteId = parentStatus.RemoteId
		}
	}

	record, skip := TransformItem(item, mapping, parentRemoteId, knownRemoteId)
	if skip != nil {
		return a.recordSkip(ctx, models.SyncEntityItem, entityId, skip)
	}

	ref, action, err := a.upsertItem(ctx, item.Code, knownRemoteId, record)
	if err != nil {
		a.recordFailure(ctx, models.SyncEntityItem, entityId, err)
		return nil, err
	}
	return a.recordSuccess(ctx, models.SyncEntityItem, entityId, ref, action, record)
}

// upsertItem resolves the remote identity and performs (or, in dry run,
// predicts) the write. Returns the remote ref and the action taken.
func (a *Adapter) upsertItem(ctx context.Context, code string, knownRemoteId string, record *RemoteItemRecord) (*RemoteRecordRef, string, error) {
	remoteId := knownRemoteId
	if remoteId == "" {
		found, err := a.client.SearchItemByCode(ctx, code)
		if err != nil {
			return nil, "", err
		}
		if found != nil {
			remoteId = found.InternalId
		}
	}

	if remoteId == "" {
		if a.dryRun {
			return &RemoteRecordRef{ItemId: code}, ActionCreate, nil
		}
		ref, err := a.client.CreateItem(ctx, record)
		return ref, ActionCreate, err
	}

	if a.dryRun {
		return &RemoteRecordRef{InternalId: remoteId, ItemId: code}, ActionUpdate, nil
	}
	ref, err := a.client.UpdateItem(ctx, remoteId, record)
	if errors.Is(err, ErrRemoteNotFound) {
		// The cached id pointed at a deleted record; create instead.
		a.logger.WithFields(logrus.Fields{
			"module":   "netsuitesync",
			"itemCode": code,
			"remoteId": remoteId,
		}).Warn("remote record vanished, falling back to create")
		ref, err = a.client.CreateItem(ctx, record)
		return ref, ActionCreate, err
	}
	return ref, ActionUpdate, err
}

// SyncProduct exports one product (the parent record).
func (a *Adapter) SyncProduct(ctx context.Context, entityId int) (*SyncResult, error) {
	product, err := models.GetProduct(ctx, entityId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, permanentErrorf("product %d no longer exists", entityId)
		}
		return nil, err
	}

	status, err := models.GetSyncStatus(ctx, models.SyncEntityProduct, entityId)
	if err != nil {
		return nil, err
	}
	knownRemoteId := ""
	if status != nil {
		knownRemoteId = status.RemoteId
	}

	var mapping *models.VendorMapping
	if product.VendorId != 0 {
		mapping, err = models.GetVendorMapping(ctx, product.VendorId)
		if err != nil {
			return nil, err
		}
	}

	record, skip := TransformProduct(product, mapping, knownRemoteId)
	if skip != nil {
		return a.recordSkip(ctx, models.SyncEntityProduct, entityId, skip)
	}

	remoteId := knownRemoteId
	if remoteId == "" {
		found, serr := a.client.SearchProductByName(ctx, record.Name)
		if serr != nil {
			a.recordFailure(ctx, models.SyncEntityProduct, entityId, serr)
			return nil, serr
		}
		if found != nil {
			remoteId = found.InternalId
		}
	}

	var ref *RemoteRecordRef
	action := ActionUpdate
	if remoteId == "" {
		action = ActionCreate
	}
	if a.dryRun {
		ref = &RemoteRecordRef{InternalId: remoteId}
	} else if remoteId == "" {
		ref, err = a.client.CreateProduct(ctx, record)
	} else {
		ref, err = a.client.UpdateProduct(ctx, remoteId, record)
		if errors.Is(err, ErrRemoteNotFound) {
			action = ActionCreate
			ref, err = a.client.CreateProduct(ctx, record)
		}
	}
	if err != nil {
		a.recordFailure(ctx, models.SyncEntityProduct, entityId, err)
		return nil, err
	}
	return a.recordSuccess(ctx, models.SyncEntityProduct, entityId, ref, action, record)
}

func (a *Adapter) recordSkip(ctx context.Context, entityType models.SyncEntityType, entityId int, skip *Skip) (*SyncResult, error) {
	reason := skip.Reason
	if err := models.UpsertSyncStatus(ctx, entityType, entityId, models.SyncStatusUpdate{
		Outcome:    models.SyncOutcomeSkipped,
		SkipReason: &reason,
	}); err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"module":     "netsuitesync",
		"entityType": entityType,
		"entityId":   entityId,
		"reason":     skip.Reason,
		"detail":     skip.Detail,
	}).Info("sync skipped")
	return &SyncResult{
		Outcome:    models.SyncOutcomeSkipped,
		SkipReason: skip.Reason,
	}, nil
}

func (a *Adapter) recordFailure(ctx context.Context, entityType models.SyncEntityType, entityId int, syncErr error) {
	msg := syncErr.Error()
	if err := models.UpsertSyncStatus(ctx, entityType, entityId, models.SyncStatusUpdate{
		Outcome: models.SyncOutcomeFailed,
		Error:   &msg,
	}); err != nil {
		config.LogError(a.logger, "netsuitesync", "recordFailure", "persist sync status", map[string]interface{}{
			"entityType": entityType,
			"entityId":   entityId,
		}, err)
	}
}

func (a *Adapter) recordSuccess(ctx context.Context, entityType models.SyncEntityType, entityId int, ref *RemoteRecordRef, action string, payload interface{}) (*SyncResult, error) {
	now := time.Now()
	update := models.SyncStatusUpdate{
		Outcome: models.SyncOutcomeSynced,
		Action:  &action,
	}

	if a.dryRun {
		prediction := dryRunPrediction{
			Action:      action,
			Payload:     payload,
			PredictedAt: now,
		}
		if ref != nil {
			prediction.RemoteId = ref.InternalId
		}
		encoded, err := utils.MarshalToJSON(prediction)
		if err != nil {
			return nil, err
		}
		update.Prediction = &encoded
	} else {
		update.SyncedAt = &now
		if ref != nil && ref.InternalId != "" {
			update.RemoteId = &ref.InternalId
		}
	}

	if err := models.UpsertSyncStatus(ctx, entityType, entityId, update); err != nil {
		return nil, err
	}

	result := &SyncResult{
		Outcome: models.SyncOutcomeSynced,
		Action:  action,
		DryRun:  a.dryRun,
	}
	if ref != nil {
		result.RemoteId = ref.InternalId
	}
	a.logger.WithFields(logrus.Fields{
		"module":     "netsuitesync",
		"entityType": entityType,
		"entityId":   entityId,
		"action":     action,
		"remoteId":   result.RemoteId,
		"dryRun":     a.dryRun,
	}).Info("sync applied")
	return result, nil
}

// SyncEntity dispatches on the job's entity type.
func (a *Adapter) SyncEntity(ctx context.Context, entityType models.SyncEntityType, entityId int) (*SyncResult, error) {
	switch entityType {
	case models.SyncEntityItem:
		return a.SyncItem(ctx, entityId)
	case models.SyncEntityProduct:
		return a.SyncProduct(ctx, entityId)
	default:
		return nil, permanentErrorf("unknown entity type %q", entityType)
	}
}
