package netsuitesync

import (
	"strings"
	"testing"

	"github.com/mmdatafocus/opms_backend/models"
	"github.com/shopspring/decimal"
)

func boolPtr(b bool) *bool { return &b }

func sampleItem() *models.Item {
	return &models.Item{
		ID:        1,
		Code:      "CHAIR-OAK-01",
		Name:      "Oak Chair",
		Material:  "Oak",
		Finish:    "Matte",
		VendorId:  7,
		UnitPrice: decimal.RequireFromString("149.9"),
		ListPrice: decimal.RequireFromString("199"),
		WeightKg:  decimal.RequireFromString("4.25"),
		LengthCm:  decimal.RequireFromString("45"),
		WidthCm:   decimal.RequireFromString("50"),
		HeightCm:  decimal.RequireFromString("90"),
		IsActive:  boolPtr(true),
	}
}

func sampleMapping() *models.VendorMapping {
	return &models.VendorMapping{LocalVendorId: 7, RemoteVendorId: "NS-VEND-42"}
}

func TestTransformItemBuildsRemotePayload(t *testing.T) {
	record, skip := TransformItem(sampleItem(), sampleMapping(), "NS-PROD-9", "")
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	if record.ItemId != "CHAIR-OAK-01" {
		t.Errorf("ItemId = %q", record.ItemId)
	}
	if record.UnitPrice != "149.90" || record.ListPrice != "199.00" {
		t.Errorf("prices = %q / %q, want fixed 2dp", record.UnitPrice, record.ListPrice)
	}
	if record.VendorId != "NS-VEND-42" {
		t.Errorf("VendorId = %q", record.VendorId)
	}
	if record.ParentId != "NS-PROD-9" {
		t.Errorf("ParentId = %q", record.ParentId)
	}
	if record.OpmsSyncMarker != "T" {
		t.Errorf("sync marker = %q, want T", record.OpmsSyncMarker)
	}
	if record.IsInactive {
		t.Error("active item marked inactive")
	}
	want := "Material: Oak | Finish: Matte | Dimensions: 45.0 x 50.0 x 90.0 cm | Weight: 4.250 kg"
	if record.SalesDescription != want {
		t.Errorf("description = %q, want %q", record.SalesDescription, want)
	}
}

func TestTransformItemDescriptionFallbacks(t *testing.T) {
	item := sampleItem()
	item.Material = ""
	item.Finish = "  "
	item.LengthCm = decimal.Zero
	item.WidthCm = decimal.Zero
	item.HeightCm = decimal.Zero
	item.WeightKg = decimal.Zero

	record, skip := TransformItem(item, sampleMapping(), "", "")
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	want := "Material: not specified | Finish: not specified | Dimensions: not specified | Weight: not specified"
	if record.SalesDescription != want {
		t.Errorf("description = %q, want %q", record.SalesDescription, want)
	}
	if record.WeightKg != "" {
		t.Errorf("zero weight should omit custom field, got %q", record.WeightKg)
	}
}

func TestTransformItemDeterministic(t *testing.T) {
	a, _ := TransformItem(sampleItem(), sampleMapping(), "NS-PROD-9", "")
	b, _ := TransformItem(sampleItem(), sampleMapping(), "NS-PROD-9", "")
	if *a != *b {
		t.Errorf("repeated transforms differ: %+v vs %+v", a, b)
	}
}

func TestTransformItemSkips(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(*models.Item)
		mapping    *models.VendorMapping
		remoteId   string
		wantReason string
	}{
		{
			name:       "lowercase code",
			mutate:     func(i *models.Item) { i.Code = "chair-oak-01" },
			mapping:    sampleMapping(),
			wantReason: models.SkipReasonBadCode,
		},
		{
			name:       "code too short",
			mutate:     func(i *models.Item) { i.Code = "AB" },
			mapping:    sampleMapping(),
			wantReason: models.SkipReasonBadCode,
		},
		{
			name:       "empty name",
			mutate:     func(i *models.Item) { i.Name = "   " },
			mapping:    sampleMapping(),
			wantReason: models.SkipReasonMissingFields,
		},
		{
			name:       "unmapped vendor",
			mutate:     func(i *models.Item) {},
			mapping:    nil,
			wantReason: models.SkipReasonVendorNotMapped,
		},
		{
			name:   "deactivated vendor mapping",
			mutate: func(i *models.Item) {},
			mapping: func() *models.VendorMapping {
				m := sampleMapping()
				m.Active = boolPtr(false)
				return m
			}(),
			wantReason: models.SkipReasonVendorNotMapped,
		},
		{
			name:       "inactive never exported",
			mutate:     func(i *models.Item) { i.IsActive = boolPtr(false) },
			mapping:    sampleMapping(),
			wantReason: models.SkipReasonInactive,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := sampleItem()
			tc.mutate(item)
			record, skip := TransformItem(item, tc.mapping, "", tc.remoteId)
			if skip == nil {
				t.Fatalf("expected skip, got record %+v", record)
			}
			if skip.Reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", skip.Reason, tc.wantReason)
			}
		})
	}
}

func TestTransformItemInactiveWithRemoteRecordStillExports(t *testing.T) {
	item := sampleItem()
	item.IsActive = boolPtr(false)
	record, skip := TransformItem(item, sampleMapping(), "", "NS-ITEM-100")
	if skip != nil {
		t.Fatalf("deactivation must export, got skip %v", skip)
	}
	if !record.IsInactive {
		t.Error("IsInactive not set on deactivated item")
	}
}

func TestTransformItemSkipOrder(t *testing.T) {
	// A broken code wins over an unmapped vendor so the operator fixes
	// the cheapest problem first.
	item := sampleItem()
	item.Code = "bad code"
	_, skip := TransformItem(item, nil, "", "")
	if skip == nil || skip.Reason != models.SkipReasonBadCode {
		t.Fatalf("skip = %v, want %s first", skip, models.SkipReasonBadCode)
	}
}

func TestTransformProduct(t *testing.T) {
	product := &models.Product{
		ID:       3,
		Name:     " Dining Range ",
		Line:     "Dining",
		VendorId: 7,
		IsActive: boolPtr(true),
	}
	record, skip := TransformProduct(product, sampleMapping(), "")
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	if record.Name != "Dining Range" {
		t.Errorf("name = %q, want trimmed", record.Name)
	}
	if record.VendorId != "NS-VEND-42" {
		t.Errorf("vendor = %q", record.VendorId)
	}
	if record.OpmsSyncMarker != "T" {
		t.Errorf("marker = %q", record.OpmsSyncMarker)
	}

	// Unmapped vendor is fine for products, the field is just omitted.
	record, skip = TransformProduct(product, nil, "")
	if skip != nil {
		t.Fatalf("unexpected skip without mapping: %v", skip)
	}
	if record.VendorId != "" {
		t.Errorf("vendor should be empty without mapping, got %q", record.VendorId)
	}

	// A deactivated mapping behaves like no mapping at all.
	inactive := sampleMapping()
	inactive.Active = boolPtr(false)
	record, skip = TransformProduct(product, inactive, "")
	if skip != nil {
		t.Fatalf("unexpected skip with deactivated mapping: %v", skip)
	}
	if record.VendorId != "" {
		t.Errorf("deactivated mapping leaked vendor %q", record.VendorId)
	}
}

func TestValidItemCode(t *testing.T) {
	valid := []string{"ABC", "CHAIR-OAK-01", "A12-B34", "0XY"}
	invalid := []string{"", "AB", "-ABC", "chair-01", "HAS SPACE", strings.Repeat("A", 33)}
	for _, code := range valid {
		if !models.ValidItemCode(code) {
			t.Errorf("ValidItemCode(%q) = false, want true", code)
		}
	}
	for _, code := range invalid {
		if models.ValidItemCode(code) {
			t.Errorf("ValidItemCode(%q) = true, want false", code)
		}
	}
}
