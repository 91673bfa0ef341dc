package netsuitesync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opms_backend/config"
	"github.com/mmdatafocus/opms_backend/models"
	"github.com/mmdatafocus/opms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Inbound sync: NetSuite posts a signed notification when an item changes
// remotely. Only a small allow-list of fields may flow back; everything
// else on the payload is ignored. All pure decision logic lives in
// free functions so it tests without a server or DB.

const (
	webhookSignatureHeader = "X-NetSuite-Signature"
	webhookTimestampHeader = "X-NetSuite-Timestamp"

	// Signatures older or newer than this are rejected outright.
	webhookReplayWindow = 5 * time.Minute
)

// ComputeWebhookSignature returns the hex HMAC-SHA256 over
// timestamp + "." + body.
func ComputeWebhookSignature(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks the signature and the replay window.
// now is injected for tests.
func VerifyWebhookSignature(secret string, timestamp string, body []byte, signature string, now time.Time) error {
	if secret == "" {
		return errors.New("webhook secret not configured")
	}
	if timestamp == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	sent := time.Unix(unix, 0)
	drift := now.Sub(sent)
	if drift < -webhookReplayWindow || drift > webhookReplayWindow {
		return errors.New("timestamp outside replay window")
	}
	expected := ComputeWebhookSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// inboundItemFields is the reverse-sync allow-list: remote field name to
// local item update key. Prices only; descriptive fields are owned by
// OPMS and never flow back. Ordered so FieldsApplied is deterministic.
var inboundItemFields = []struct {
	remote string
	local  string
}{
	{"unitprice", "UnitPrice"},
	{"listprice", "ListPrice"},
}

// WebhookDecision is what the receiver decided for one notification.
type WebhookDecision struct {
	Status        string                 // skipped, rejected or applied
	Reason        string                 // set for skipped and rejected
	Updates       map[string]interface{} // local update map for applied
	FieldsApplied []string
	FieldsIgnored []string // payload fields outside the allow-list, for the log
}

const (
	WebhookSkipped  = "skipped"
	WebhookRejected = "rejected"
	WebhookApplied  = "applied"
)

// EvaluateWebhook runs the full decision ladder. Pure: the caller loads
// the item and the pending-outbound flag.
func EvaluateWebhook(payload *WebhookPayload, item *models.Item, hasPendingOutbound bool, now time.Time) WebhookDecision {
	// Our own writes echo back with the sync marker as origin; applying
	// them would loop forever.
	if payload.Origin == models.ChangeOriginSystem || payload.Fields["custitem_opms_sync"] == OpmsSyncMarkerValue {
		return WebhookDecision{Status: WebhookSkipped, Reason: "system_originated"}
	}
	if item == nil {
		return WebhookDecision{Status: WebhookSkipped, Reason: "unknown_item"}
	}
	if item.ReverseSyncExcluded != nil && *item.ReverseSyncExcluded {
		return WebhookDecision{Status: WebhookSkipped, Reason: "reverse_sync_excluded"}
	}

	ignored := ignoredFields(payload)

	updates := map[string]interface{}{}
	var applied []string
	for _, field := range inboundItemFields {
		raw, ok := payload.Fields[field.remote]
		if !ok {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil || value.IsNegative() {
			return WebhookDecision{Status: WebhookRejected, Reason: "invalid_field_value", FieldsIgnored: ignored}
		}
		updates[field.local] = value
		applied = append(applied, field.remote)
	}
	if len(updates) == 0 {
		return WebhookDecision{Status: WebhookSkipped, Reason: "no_applicable_fields", FieldsIgnored: ignored}
	}

	// A pending outbound export means OPMS has newer local edits in
	// flight; applying an older remote snapshot would clobber them and
	// then be overwritten again on export. Reject so the remote side
	// reconverges from the export.
	if hasPendingOutbound {
		remoteModified, err := time.Parse(time.RFC3339, payload.LastModified)
		if err != nil || !remoteModified.After(item.UpdatedAt) {
			return WebhookDecision{Status: WebhookRejected, Reason: "stale_remote_change"}
		}
	}

	return WebhookDecision{Status: WebhookApplied, Updates: updates, FieldsApplied: applied, FieldsIgnored: ignored}
}

// ignoredFields lists payload fields outside the allow-list, sorted for
// stable logging. The loop marker is bookkeeping, not a field change.
func ignoredFields(payload *WebhookPayload) []string {
	var ignored []string
	for name := range payload.Fields {
		if name == "custitem_opms_sync" {
			continue
		}
		allowed := false
		for _, field := range inboundItemFields {
			if field.remote == name {
				allowed = true
				break
			}
		}
		if !allowed {
			ignored = append(ignored, name)
		}
	}
	sort.Strings(ignored)
	return ignored
}

// WebhookHandler is the gin endpoint NetSuite posts to.
func WebhookHandler() gin.HandlerFunc {
	logger := config.GetLogger()
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		secret := config.NetSuiteWebhookSecret()
		timestamp := c.GetHeader(webhookTimestampHeader)
		signature := c.GetHeader(webhookSignatureHeader)
		if err := VerifyWebhookSignature(secret, timestamp, body, signature, time.Now()); err != nil {
			logger.WithFields(logrus.Fields{
				"module": "netsuitesync",
				"remote": c.ClientIP(),
			}).Warn("webhook signature rejected: " + err.Error())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var payload WebhookPayload
		if err := utils.UnmarshalFromJSON(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		if payload.RecordType != "item" || payload.ItemId == "" {
			c.JSON(http.StatusOK, gin.H{"status": WebhookSkipped, "reason": "unsupported_record_type"})
			return
		}

		ctx := c.Request.Context()

		item, err := models.GetItemByCode(ctx, payload.ItemId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			item = nil
		}

		hasPending := false
		if item != nil {
			hasPending, err = models.HasPendingOutboundJob(ctx, models.SyncEntityItem, item.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		decision := EvaluateWebhook(&payload, item, hasPending, time.Now())
		if len(decision.FieldsIgnored) > 0 {
			logger.WithFields(logrus.Fields{
				"module":   "netsuitesync",
				"itemCode": payload.ItemId,
				"fields":   decision.FieldsIgnored,
			}).Info("webhook fields outside allow-list ignored")
		}
		if decision.Status != WebhookApplied {
			logger.WithFields(logrus.Fields{
				"module":   "netsuitesync",
				"itemCode": payload.ItemId,
				"status":   decision.Status,
				"reason":   decision.Reason,
			}).Info("webhook not applied")
			c.JSON(http.StatusOK, gin.H{"status": decision.Status, "reason": decision.Reason})
			return
		}

		// Apply with the NETSUITE origin marker so the change detector
		// logs the write but does not enqueue an outbound echo.
		applyCtx := utils.SetSyncOriginInContext(ctx, models.ChangeOriginNetSuite)
		db := config.GetDB()
		err = db.WithContext(applyCtx).Transaction(func(tx *gorm.DB) error {
			var target models.Item
			if err := tx.Where("id = ?", item.ID).Take(&target).Error; err != nil {
				return err
			}
			return tx.Model(&target).Updates(decision.Updates).Error
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Remember the remote identity the notification told us about.
		if payload.InternalId != "" {
			if serr := models.UpsertSyncStatus(ctx, models.SyncEntityItem, item.ID, models.SyncStatusUpdate{
				Outcome:  models.SyncOutcomeSynced,
				RemoteId: &payload.InternalId,
			}); serr != nil {
				config.LogError(logger, "netsuitesync", "WebhookHandler", "persist remote id", map[string]interface{}{"itemId": item.ID}, serr)
			}
		}

		logger.WithFields(logrus.Fields{
			"module":   "netsuitesync",
			"itemCode": payload.ItemId,
			"fields":   decision.FieldsApplied,
		}).Info("webhook applied")
		c.JSON(http.StatusOK, gin.H{
			"status":         WebhookApplied,
			"fields_applied": decision.FieldsApplied,
		})
	}
}
