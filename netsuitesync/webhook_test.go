package netsuitesync

import (
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/opms_backend/models"
	"github.com/shopspring/decimal"
)

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"record_type":"item"}`)
	now := time.Unix(1700000000, 0)
	timestamp := fmt.Sprintf("%d", now.Unix())
	good := ComputeWebhookSignature(secret, timestamp, body)

	if err := VerifyWebhookSignature(secret, timestamp, body, good, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyWebhookSignature(secret, timestamp, body, good, now.Add(2*time.Minute)); err != nil {
		t.Errorf("signature within replay window rejected: %v", err)
	}
	if err := VerifyWebhookSignature(secret, timestamp, body, good, now.Add(6*time.Minute)); err == nil {
		t.Error("replayed signature accepted")
	}
	if err := VerifyWebhookSignature(secret, timestamp, []byte("tampered"), good, now); err == nil {
		t.Error("tampered body accepted")
	}
	if err := VerifyWebhookSignature(secret, timestamp, body, "deadbeef", now); err == nil {
		t.Error("wrong signature accepted")
	}
	if err := VerifyWebhookSignature("", timestamp, body, good, now); err == nil {
		t.Error("missing secret accepted")
	}
	if err := VerifyWebhookSignature(secret, "not-a-number", body, good, now); err == nil {
		t.Error("malformed timestamp accepted")
	}
}

func webhookItem() *models.Item {
	return &models.Item{
		ID:        5,
		Code:      "CHAIR-OAK-01",
		Name:      "Oak Chair",
		UnitPrice: decimal.RequireFromString("100"),
		UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func pricePayload(fields map[string]string) *WebhookPayload {
	return &WebhookPayload{
		RecordType:   "item",
		InternalId:   "NS-ITEM-100",
		ItemId:       "CHAIR-OAK-01",
		Fields:       fields,
		LastModified: "2026-08-01T12:00:00Z",
	}
}

func TestEvaluateWebhookAppliesAllowListedPrices(t *testing.T) {
	payload := pricePayload(map[string]string{
		"unitprice":        "123.45",
		"listprice":        "150.00",
		"displayname":      "Renamed Remotely",
		"salesdescription": "should never flow back",
	})
	decision := EvaluateWebhook(payload, webhookItem(), false, time.Now())
	if decision.Status != WebhookApplied {
		t.Fatalf("status = %s (%s), want applied", decision.Status, decision.Reason)
	}
	if len(decision.Updates) != 2 {
		t.Errorf("updates = %v, want only the two price fields", decision.Updates)
	}
	if _, ok := decision.Updates["Name"]; ok {
		t.Error("display name leaked through the allow-list")
	}
	got, ok := decision.Updates["UnitPrice"].(decimal.Decimal)
	if !ok || !got.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("UnitPrice = %v", decision.Updates["UnitPrice"])
	}
	if len(decision.FieldsApplied) != 2 || decision.FieldsApplied[0] != "unitprice" || decision.FieldsApplied[1] != "listprice" {
		t.Errorf("FieldsApplied = %v", decision.FieldsApplied)
	}
	// Discarded fields are reported (sorted) so the receiver can log them.
	if len(decision.FieldsIgnored) != 2 ||
		decision.FieldsIgnored[0] != "displayname" ||
		decision.FieldsIgnored[1] != "salesdescription" {
		t.Errorf("FieldsIgnored = %v", decision.FieldsIgnored)
	}
}

func TestEvaluateWebhookIgnoredFieldsExcludeMarker(t *testing.T) {
	payload := pricePayload(map[string]string{
		"unitprice":          "10",
		"custitem_opms_sync": "F",
		"vendorname":         "x",
	})
	decision := EvaluateWebhook(payload, webhookItem(), false, time.Now())
	if decision.Status != WebhookApplied {
		t.Fatalf("status = %s (%s)", decision.Status, decision.Reason)
	}
	if len(decision.FieldsIgnored) != 1 || decision.FieldsIgnored[0] != "vendorname" {
		t.Errorf("FieldsIgnored = %v, marker must not count as an ignored field", decision.FieldsIgnored)
	}
}

func TestEvaluateWebhookSkipsAndRejections(t *testing.T) {
	cases := []struct {
		name       string
		payload    *WebhookPayload
		item       *models.Item
		pending    bool
		wantStatus string
		wantReason string
	}{
		{
			name: "system origin",
			payload: func() *WebhookPayload {
				p := pricePayload(map[string]string{"unitprice": "1"})
				p.Origin = models.ChangeOriginSystem
				return p
			}(),
			item:       webhookItem(),
			wantStatus: WebhookSkipped,
			wantReason: "system_originated",
		},
		{
			name: "our own write echoed back",
			payload: pricePayload(map[string]string{
				"unitprice":          "1",
				"custitem_opms_sync": "T",
			}),
			item:       webhookItem(),
			wantStatus: WebhookSkipped,
			wantReason: "system_originated",
		},
		{
			name:       "unknown item",
			payload:    pricePayload(map[string]string{"unitprice": "1"}),
			item:       nil,
			wantStatus: WebhookSkipped,
			wantReason: "unknown_item",
		},
		{
			name:    "excluded item",
			payload: pricePayload(map[string]string{"unitprice": "1"}),
			item: func() *models.Item {
				i := webhookItem()
				i.ReverseSyncExcluded = boolPtr(true)
				return i
			}(),
			wantStatus: WebhookSkipped,
			wantReason: "reverse_sync_excluded",
		},
		{
			name:       "no allow-listed fields",
			payload:    pricePayload(map[string]string{"displayname": "x"}),
			item:       webhookItem(),
			wantStatus: WebhookSkipped,
			wantReason: "no_applicable_fields",
		},
		{
			name:       "negative price",
			payload:    pricePayload(map[string]string{"unitprice": "-5"}),
			item:       webhookItem(),
			wantStatus: WebhookRejected,
			wantReason: "invalid_field_value",
		},
		{
			name:       "unparseable price",
			payload:    pricePayload(map[string]string{"unitprice": "abc"}),
			item:       webhookItem(),
			wantStatus: WebhookRejected,
			wantReason: "invalid_field_value",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := EvaluateWebhook(tc.payload, tc.item, tc.pending, time.Now())
			if decision.Status != tc.wantStatus || decision.Reason != tc.wantReason {
				t.Errorf("decision = %s/%s, want %s/%s",
					decision.Status, decision.Reason, tc.wantStatus, tc.wantReason)
			}
		})
	}
}

func TestEvaluateWebhookStaleGuard(t *testing.T) {
	item := webhookItem() // UpdatedAt 2026-08-01T10:00:00Z

	// Remote snapshot older than the local edit while an export is
	// pending: reject, the export will reconverge the remote side.
	stale := pricePayload(map[string]string{"unitprice": "1"})
	stale.LastModified = "2026-08-01T09:00:00Z"
	decision := EvaluateWebhook(stale, item, true, time.Now())
	if decision.Status != WebhookRejected || decision.Reason != "stale_remote_change" {
		t.Errorf("stale decision = %s/%s", decision.Status, decision.Reason)
	}

	// Remote change newer than the local edit applies even with a
	// pending export (last writer wins).
	fresh := pricePayload(map[string]string{"unitprice": "1"})
	fresh.LastModified = "2026-08-01T12:00:00Z"
	decision = EvaluateWebhook(fresh, item, true, time.Now())
	if decision.Status != WebhookApplied {
		t.Errorf("fresh decision = %s/%s, want applied", decision.Status, decision.Reason)
	}

	// Unparseable remote timestamp with a pending export is treated as
	// stale rather than guessed at.
	bad := pricePayload(map[string]string{"unitprice": "1"})
	bad.LastModified = "yesterday"
	decision = EvaluateWebhook(bad, item, true, time.Now())
	if decision.Status != WebhookRejected {
		t.Errorf("bad timestamp decision = %s/%s, want rejected", decision.Status, decision.Reason)
	}

	// Without a pending export the snapshot applies regardless of age.
	decision = EvaluateWebhook(stale, item, false, time.Now())
	if decision.Status != WebhookApplied {
		t.Errorf("no-pending decision = %s/%s, want applied", decision.Status, decision.Reason)
	}
}
